package util

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyInstalled = errors.New("version already installed")
	ErrActiveVersion    = errors.New("version is active")
	ErrNoExecutable     = errors.New("no emulator executable found")
	ErrChecksum         = errors.New("sha256 mismatch")
	ErrUnsupported      = errors.New("unsupported archive format")
	ErrEmptySaves       = errors.New("save directory is empty")
	ErrBusy             = errors.New("another operation is in progress")
	ErrUnknownBranch    = errors.New("unknown branch")
	ErrNoAsset          = errors.New("no asset for this platform")
	ErrModConflict      = errors.New("mod exists in both enabled and disabled form")
	ErrNoFirmware       = errors.New("no NCA files found in firmware archive")
	ErrNotSetup         = errors.New("emuman has not been set up, run init first")
)
