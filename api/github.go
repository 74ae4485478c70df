package api

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-openapi/strfmt"
	"github.com/mrnavastar/emuman/util"
	"github.com/tidwall/gjson"
)

// FetchReleases lists the newest releases of repo, newest first as GitHub returns them.
func FetchReleases(ctx context.Context, repo string, branch util.Branch, limit int) ([]util.Release, error) {
	url := GITHUB_API_BASE + "/repos/" + repo + "/releases"
	util.Log.Info("fetching releases", util.Log.Args("branch", string(branch), "url", url))

	resp, err := client.R().
		SetContext(ctx).
		SetQueryParam("per_page", strconv.Itoa(limit)).
		Get(url)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("github returned %s for %s", resp.Status(), repo)
	}

	result := gjson.ParseBytes(resp.Body())
	if !result.IsArray() {
		return nil, fmt.Errorf("unexpected release listing for %s", repo)
	}

	var releases []util.Release
	result.ForEach(func(_, r gjson.Result) bool {
		releases = append(releases, parseRelease(r, branch))
		return true
	})
	util.Log.Info("releases fetched", util.Log.Args("branch", string(branch), "count", len(releases)))
	return releases, nil
}

// LatestRelease returns the release GitHub marks as latest for repo.
func LatestRelease(ctx context.Context, repo string) (util.Release, error) {
	resp, err := client.R().SetContext(ctx).Get(GITHUB_API_BASE + "/repos/" + repo + "/releases/latest")
	if err != nil {
		return util.Release{}, err
	}
	if resp.StatusCode() != 200 {
		return util.Release{}, fmt.Errorf("github returned %s for %s", resp.Status(), repo)
	}
	return parseRelease(gjson.ParseBytes(resp.Body()), ""), nil
}

func parseRelease(r gjson.Result, branch util.Branch) util.Release {
	release := util.Release{
		Branch:    branch,
		Tag:       r.Get("tag_name").String(),
		Changelog: ExtractChangelog(r.Get("body").String(), branch),
		Published: parseTime(r.Get("published_at").String()),
	}
	r.Get("assets").ForEach(func(_, a gjson.Result) bool {
		release.Assets = append(release.Assets, util.Asset{
			Name:   a.Get("name").String(),
			Url:    a.Get("browser_download_url").String(),
			Size:   a.Get("size").Int(),
			Sha256: strings.TrimPrefix(a.Get("digest").String(), "sha256:"),
		})
		return true
	})
	return release
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	dt, err := strfmt.ParseDateTime(s)
	if err != nil {
		return time.Time{}
	}
	return time.Time(dt)
}

const changelogLimit = 800

var changelogMarks = []string{"## Changelog:", "### Changelog:", "## 更新日志:"}

// ExtractChangelog trims a release body down to its changelog. Stable bodies end
// their notes at the "# Packages" heading; nightly bodies carry a changelog section
// that runs to the next heading, or else the first 800 characters are kept.
func ExtractChangelog(body string, branch util.Branch) string {
	if branch == util.Stable {
		return strings.TrimSpace(strings.SplitN(body, "# Packages", 2)[0])
	}

	clean := body
	if utf8.RuneCountInString(clean) > changelogLimit {
		clean = string([]rune(clean)[:changelogLimit])
	}
	for _, mark := range changelogMarks {
		start := strings.Index(body, mark)
		if start == -1 {
			continue
		}
		rest := body[start:]
		if end := strings.Index(rest[min(len(rest), 5):], "##"); end != -1 {
			clean = rest[:end+min(len(rest), 5)]
		} else {
			clean = rest
		}
		clean = strings.TrimSpace(clean)
		break
	}
	return strings.ReplaceAll(clean, "**\n", "**\n\n")
}
