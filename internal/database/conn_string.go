package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/supportdesk-live/internal/config"
	"github.com/rickgao/supportdesk-live/internal/version"
)

const defaultSSLMode = "prefer"

// ConnURL renders the event log database settings as a postgres:// URL.
// Sessions are tagged with the product name so they show up in
// pg_stat_activity.
func ConnURL(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", version.Product)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
