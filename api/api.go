package api

import (
	"github.com/go-resty/resty/v2"
)

var GITHUB_API_BASE = "https://api.github.com"

var client = resty.New().
	SetHeader("Accept", "application/vnd.github.v3+json").
	SetHeader("User-Agent", "EmuMan-App-Client")

// SetToken authenticates GitHub requests, lifting the anonymous rate limit.
func SetToken(token string) {
	if token == "" {
		client.Token = ""
		return
	}
	client.SetAuthScheme("token").SetAuthToken(token)
}
