package sqlwire

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/malbeclabs/concierge/internal/dataset"
	"github.com/malbeclabs/concierge/internal/duck"
	"github.com/malbeclabs/concierge/internal/guard"
)

const defaultShutdownTimeout = 5 * time.Second

type Config struct {
	Logger   *slog.Logger
	DB       duck.DB
	Datasets []dataset.Dataset
	Listener net.Listener

	// MaxRows caps every statement, as it does for the search tools.
	MaxRows         int
	ShutdownTimeout time.Duration

	// Accounts maps usernames to cleartext passwords. Empty disables
	// authentication.
	Accounts map[string]string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("database is required")
	}
	if cfg.Listener == nil {
		return errors.New("listener is required")
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = guard.DefaultMaxRows
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}

// ParseAccounts reads "user1:pass1,user2:pass2". Blank entries are skipped.
func ParseAccounts(s string) (map[string]string, error) {
	accounts := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		username, password, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("invalid account %q (expected username:password)", entry)
		}
		username = strings.TrimSpace(username)
		if username == "" {
			return nil, fmt.Errorf("username cannot be empty in account %q", entry)
		}
		accounts[username] = strings.TrimSpace(password)
	}
	return accounts, nil
}
