package fileutils

import (
	"os"
	"path/filepath"
	"runtime"
)

const EmulatorName = "eden"

func ExecutableName() string {
	if runtime.GOOS == "windows" {
		return EmulatorName + ".exe"
	}
	return EmulatorName
}

// Aria2Name is the helper binary looked up on PATH and under resources/bin.
func Aria2Name() string {
	if runtime.GOOS == "windows" {
		return "aria2c.exe"
	}
	return "aria2c"
}

// SystemDataPath is where the emulator keeps user data when it is not portable.
func SystemDataPath() string {
	home, _ := os.UserHomeDir()
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, EmulatorName)
		}
		return filepath.Join(home, "AppData", "Roaming", EmulatorName)
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, EmulatorName)
	}
	return filepath.Join(home, ".local", "share", EmulatorName)
}

// UserDataPath resolves the emulator's user folder. An explicit override wins; an
// install with a "user" folder next to the executable is portable; anything else
// uses the system location. exe may be the executable or its directory.
func UserDataPath(exe string, override string) string {
	if override != "" {
		return override
	}
	if exe != "" {
		dir := exe
		if !IsDir(exe) {
			dir = filepath.Dir(exe)
		}
		portable := filepath.Join(dir, "user")
		if IsDir(portable) {
			return portable
		}
	}
	return SystemDataPath()
}

func SaveDir(userData string) string {
	return filepath.Join(userData, "nand", "user", "save")
}

func LoadDir(userData string) string {
	return filepath.Join(userData, "load")
}

func KeysDir(userData string) string {
	return filepath.Join(userData, "keys")
}

func NandRegisteredDir(userData string) string {
	return filepath.Join(userData, "nand", "system", "Contents", "registered")
}

func EmulatorLog(userData string) string {
	return filepath.Join(userData, "log", EmulatorName+"_log.txt")
}
