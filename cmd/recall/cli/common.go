package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/felixgeelhaar/recall/internal/config"
	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/felixgeelhaar/recall/internal/vectorstore"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitNoResult  = 1
	ExitConnError = 2
	ExitError     = 3
)

func openStore(cfg config.StoreConfig) (vectorstore.Store, error) {
	switch cfg.Driver {
	case "memory":
		return vectorstore.NewMemoryStore(), nil
	case "sqlite":
		s, err := vectorstore.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, errs.E(errs.Config, "cli.store", "unknown store driver %q", cfg.Driver)
}

// errNoResult ends a command that printed a miss or an empty result.
var errNoResult = errors.New("no result")

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type errorBody struct {
	Status  string `json:"status"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// report writes err as JSON to w and returns the process exit code.
func report(w io.Writer, err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, errNoResult) {
		return ExitNoResult
	}
	kind := errs.KindOf(err)
	body := errorBody{Status: "error", Type: kind.String(), Message: err.Error()}
	if werr := writeJSON(w, body); werr != nil {
		fmt.Fprintln(w, err)
	}
	if kind == errs.Connection {
		return ExitConnError
	}
	return ExitError
}
