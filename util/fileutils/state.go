package fileutils

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/mrnavastar/emuman/util"
	"github.com/zalando/go-keyring"
)

const (
	keyringService = "emuman"
	keyringHome    = "home"
	keyringToken   = "gh_token"
	StateFile      = "emuman.json"
)

type State struct {
	Root     string `json:"-"`
	Versions []util.InstalledVersion
}

// HomeDir returns the EmuMan home. EMUMAN_HOME wins over the keyring entry written by Setup.
func HomeDir() (string, error) {
	if home := os.Getenv("EMUMAN_HOME"); home != "" {
		return home, nil
	}
	home, err := keyring.Get(keyringService, keyringHome)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", util.ErrNotSetup
	}
	return home, err
}

func Token() string {
	token, err := keyring.Get(keyringService, keyringToken)
	if err != nil {
		return ""
	}
	return token
}

func SetToken(token string) error {
	if token == "" {
		err := keyring.Delete(keyringService, keyringToken)
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return err
	}
	return keyring.Set(keyringService, keyringToken, token)
}

func LoadStateFrom(root string) (State, error) {
	state := State{Root: root}
	data, err := os.ReadFile(filepath.Join(root, StateFile))
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return State{}, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, err
	}
	state.Root = root
	return state, nil
}

func SaveAppState(state State) error {
	data, err := json.MarshalIndent(state, "", " ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(filepath.Join(state.Root, StateFile), data, 0644)
}
