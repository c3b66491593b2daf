package config

import (
	"os"
	"sync"

	"github.com/serum-errors/go-serum"

	"github.com/warptools/metabase/mbapi"
)

/*
	Env vars and the working directory can change during runtime.
	Everything here is captured once into a State snapshot,
	and that snapshot is what gets handed around.
*/

type State struct {
	Env              map[string]string
	HomeDirectory    string
	WorkingDirectory string
}

var (
	globalm sync.RWMutex
	global  State
)

// ReloadGlobalState will fetch all values for internal state
// ReloadGlobalState will halt on the first error.
//
// Errors:
//
//   - metabase-error-internal -- loading the value failed
func ReloadGlobalState() error {
	globalm.Lock()
	defer globalm.Unlock()
	global.Env = make(map[string]string, len(envKeys))
	for _, key := range envKeys {
		if v, ok := os.LookupEnv(key); ok {
			global.Env[key] = v
		}
	}
	loadFuncs := []func() error{
		loadWd,
		loadUserHome,
	}
	for _, loadFunc := range loadFuncs {
		if err := loadFunc(); err != nil {
			return err
		}
	}
	return nil
}

// NewState returns a copy of the global state.
// The returned state can be modified without affecting anything else.
func NewState() State {
	globalm.RLock()
	defer globalm.RUnlock()
	result := global
	result.Env = make(map[string]string, len(global.Env))
	for k, v := range global.Env {
		result.Env[k] = v
	}
	return result
}

func init() {
	if err := ReloadGlobalState(); err != nil {
		serr, ok := err.(serum.ErrorInterface)
		if !ok {
			serr = serum.Error(mbapi.ECodeInternal,
				serum.WithMessageLiteral("config initialization failed"),
				serum.WithCause(err),
			).(serum.ErrorInterface)
		}
		mbapi.TerminalError(serr, 10)
	}
}

// loadWd loads the working directory into the stored state
// NOT concurrent safe
//
// Errors:
//
//    - metabase-error-internal -- when the working directory path cannot be found
func loadWd() error {
	cwd, err := os.Getwd()
	if err != nil {
		return serum.Error(mbapi.ECodeInternal,
			serum.WithMessageLiteral("unable to get working directory"),
			serum.WithCause(err),
		)
	}
	global.WorkingDirectory = cwd
	return nil
}

// loadUserHome loads user home directory into the stored state
// NOT concurrent safe
//
// A missing home directory is not fatal; the "~" locator is then skipped.
func loadUserHome() error {
	dir, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	global.HomeDirectory = dir
	return nil
}
