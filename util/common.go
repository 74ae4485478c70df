package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func Contains(list []string, str string) bool {
	for _, v := range list {
		if v == str {
			return true
		}
	}
	return false
}

func Fatal(err error) {
	if err != nil {
		Log.Error("fatal", Log.Args("error", err.Error()))
		pterm.Fatal.Println(err)
	}
}

// HumanSize renders a byte count the way the backup and firmware listings show it.
func HumanSize(n int64) string {
	mb := float64(n) / (1024 * 1024)
	if mb < 1 {
		return fmt.Sprintf("%.0f KB", float64(n)/1024)
	}
	return fmt.Sprintf("%.2f MB", mb)
}

func FormatSpeed(bytesPerSec float64) string {
	switch {
	case bytesPerSec < 1024:
		return fmt.Sprintf("%.1f B/s", bytesPerSec)
	case bytesPerSec < 1024*1024:
		return fmt.Sprintf("%.1f KB/s", bytesPerSec/1024)
	default:
		return fmt.Sprintf("%.1f MB/s", bytesPerSec/(1024*1024))
	}
}
