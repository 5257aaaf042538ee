package main

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/willemschots/chatwidget/internal/audit"
	"github.com/willemschots/chatwidget/internal/auth"
	"github.com/willemschots/chatwidget/internal/db"
	"github.com/willemschots/chatwidget/internal/email"
	"github.com/willemschots/chatwidget/internal/email/mailgun"
	"github.com/willemschots/chatwidget/internal/email/postmark"
	"github.com/willemschots/chatwidget/internal/krypto"
	"github.com/willemschots/chatwidget/internal/ratelimit"
	"github.com/willemschots/chatwidget/internal/web"
)

// httpConfig is the configuration for the HTTP server.
type httpConfig struct {
	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration
	server          web.ServerConfig
}

type dbConfig struct {
	driver         string
	file           string
	migrate        bool
	encryptionKeys []krypto.Key
	blindIndexSalt krypto.Key
}

type emailConfig struct {
	driver   string
	service  email.ServiceConfig
	postmark postmark.Settings
	mailgun  mailgun.Settings
}

type auditConfig struct {
	driver      string
	webhook     audit.WebhookSettings
	redisAddr   string
	redisStream string
}

// config is the configuration for the server command.
type config struct {
	http      httpConfig
	db        dbConfig
	auth      auth.ServiceConfig
	rateLimit ratelimit.Config
	email     emailConfig
	audit     auditConfig
}

// defaultConfig returns a config with sane default values.
func defaultConfig() config {
	return config{
		http: httpConfig{
			addr:            ":8888",
			readTimeout:     time.Second * 5,
			writeTimeout:    time.Second * 10,
			idleTimeout:     time.Second * 120,
			shutdownTimeout: time.Second * 15,
		},
		db: dbConfig{
			driver:  db.DriverCGO,
			file:    "chatwidget.db",
			migrate: true,
		},
		auth: auth.ServiceConfig{
			WorkerTimeout:  time.Second * 10,
			NotifyAttempts: 3,
			NotifyBackoff:  time.Second,
			Tokens:         auth.DefaultTokenLifetimes(),
			Passwords:      auth.DefaultPasswordPolicy(),
		},
		rateLimit: ratelimit.DefaultConfig(),
		email: emailConfig{
			driver: "log",
			service: email.ServiceConfig{
				BaseURL: must(url.Parse("http://localhost:8888")),
			},
			postmark: postmark.Settings{
				APIURL:        must(url.Parse(postmark.DefaultAPIURL)),
				MessageStream: "outbound",
			},
			mailgun: mailgun.Settings{
				APIURL: must(url.Parse("https://api.mailgun.net")),
			},
		},
		audit: auditConfig{
			driver:      "log",
			redisAddr:   "localhost:6379",
			redisStream: audit.DefaultStream,
		},
	}
}

// requiredEnv are the environment variables that must always be set.
var requiredEnv = []string{
	"DB_ENCRYPTION_KEYS",
	"DB_BLIND_INDEX_SALT",
	"EMAIL_FROM",
}

// envMap maps environment variable names to fields in the config struct.
var envMap = map[string]func(v string, c *config) error{
	"HTTP_ADDR": func(v string, c *config) error {
		c.http.addr = v
		return nil
	},
	"HTTP_READ_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.readTimeout, 0, math.MaxInt64)
	},
	"HTTP_WRITE_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.writeTimeout, 0, math.MaxInt64)
	},
	"HTTP_IDLE_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.idleTimeout, 0, math.MaxInt64)
	},
	"HTTP_SHUTDOWN_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.http.shutdownTimeout, 0, math.MaxInt64)
	},
	"HTTP_TRUST_PROXY": func(v string, c *config) error {
		return confBool(v, &c.http.server.TrustProxy)
	},
	"BASE_URL": func(v string, c *config) error {
		return confURL(v, &c.email.service.BaseURL)
	},
	"DB_DRIVER": func(v string, c *config) error {
		return confOneOf(v, &c.db.driver, db.DriverCGO, db.DriverPureGo)
	},
	"DB_FILENAME": func(v string, c *config) error {
		if v == "" {
			return errors.New("empty filename")
		}
		c.db.file = v
		return nil
	},
	"DB_MIGRATE": func(v string, c *config) error {
		return confBool(v, &c.db.migrate)
	},
	"DB_ENCRYPTION_KEYS": func(v string, c *config) error {
		keys, err := krypto.ParseKeys(v)
		if err != nil {
			return err
		}
		c.db.encryptionKeys = keys
		return nil
	},
	"DB_BLIND_INDEX_SALT": func(v string, c *config) error {
		k, err := krypto.ParseKey(v)
		if err != nil {
			return err
		}
		c.db.blindIndexSalt = k
		return nil
	},
	"AUTH_BETA_CAP": func(v string, c *config) error {
		return confInt(v, &c.auth.BetaCap, 0, math.MaxInt)
	},
	"AUTH_SESSION_TOKEN_EXPIRY": func(v string, c *config) error {
		return confDuration(v, &c.auth.Tokens.Session, time.Minute, math.MaxInt64)
	},
	"AUTH_ACTION_TOKEN_EXPIRY": func(v string, c *config) error {
		return confDuration(v, &c.auth.Tokens.Action, time.Minute, math.MaxInt64)
	},
	"AUTH_WORKER_TIMEOUT": func(v string, c *config) error {
		return confDuration(v, &c.auth.WorkerTimeout, time.Second, math.MaxInt64)
	},
	"AUTH_NOTIFY_ATTEMPTS": func(v string, c *config) error {
		return confInt(v, &c.auth.NotifyAttempts, 1, 100)
	},
	"AUTH_NOTIFY_BACKOFF": func(v string, c *config) error {
		return confDuration(v, &c.auth.NotifyBackoff, time.Millisecond, math.MaxInt64)
	},
	"AUTH_PASSWORD_REQUIRE_SPECIAL": func(v string, c *config) error {
		return confBool(v, &c.auth.Passwords.RequireSpecial)
	},
	"RATE_LIMIT_BYPASS": func(v string, c *config) error {
		return confBool(v, &c.rateLimit.Bypass)
	},
	"RATE_LIMIT_SWEEP_INTERVAL": func(v string, c *config) error {
		return confDuration(v, &c.rateLimit.SweepInterval, time.Second, math.MaxInt64)
	},
	"RATE_LIMIT_RETENTION": func(v string, c *config) error {
		return confDuration(v, &c.rateLimit.Retention, time.Second, math.MaxInt64)
	},
	"EMAIL_DRIVER": func(v string, c *config) error {
		return confOneOf(v, &c.email.driver, "log", "postmark", "mailgun")
	},
	"EMAIL_FROM": func(v string, c *config) error {
		addr, err := email.ParseAddress(v)
		if err != nil {
			return err
		}
		c.email.service.From = addr
		return nil
	},
	"POSTMARK_API_URL": func(v string, c *config) error {
		return confURL(v, &c.email.postmark.APIURL)
	},
	"POSTMARK_SERVER_TOKEN": func(v string, c *config) error {
		c.email.postmark.ServerToken = krypto.NewSecret(v)
		return nil
	},
	"POSTMARK_MESSAGE_STREAM": func(v string, c *config) error {
		c.email.postmark.MessageStream = v
		return nil
	},
	"MAILGUN_API_URL": func(v string, c *config) error {
		return confURL(v, &c.email.mailgun.APIURL)
	},
	"MAILGUN_DOMAIN": func(v string, c *config) error {
		c.email.mailgun.Domain = v
		return nil
	},
	"MAILGUN_API_KEY": func(v string, c *config) error {
		c.email.mailgun.APIKey = krypto.NewSecret(v)
		return nil
	},
	"AUDIT_DRIVER": func(v string, c *config) error {
		return confOneOf(v, &c.audit.driver, "log", "webhook", "redis")
	},
	"AUDIT_WEBHOOK_URL": func(v string, c *config) error {
		return confURL(v, &c.audit.webhook.URL)
	},
	"AUDIT_WEBHOOK_SECRET": func(v string, c *config) error {
		c.audit.webhook.Secret = krypto.NewSecret(v)
		return nil
	},
	"AUDIT_REDIS_ADDR": func(v string, c *config) error {
		if v == "" {
			return errors.New("empty address")
		}
		c.audit.redisAddr = v
		return nil
	},
	"AUDIT_REDIS_STREAM": func(v string, c *config) error {
		if v == "" {
			return errors.New("empty stream")
		}
		c.audit.redisStream = v
		return nil
	},
}

func init() {
	// every limit type can be configured as RATE_LIMIT_<TYPE>=max/window.
	for _, t := range ratelimit.Types() {
		envMap[rateLimitEnv(t)] = func(v string, c *config) error {
			return confRule(v, t, c.rateLimit.Rules)
		}
	}
}

func rateLimitEnv(t ratelimit.LimitType) string {
	return "RATE_LIMIT_" + strings.ToUpper(string(t))
}

// configFromEnv returns a config with values from the environment. It falls
// back to default values for any missing environment variables.
//
// It does a best effort to validate provided values, so that mistakes are
// caught ASAP. However, there is no guarantee that the returned config
// is valid and will work.
func configFromEnv() (config, error) {
	c := defaultConfig()

	var errs []error
	for _, key := range requiredEnv {
		if _, ok := os.LookupEnv(key); !ok {
			errs = append(errs, fmt.Errorf("missing required env variable %s", key))
		}
	}

	for key, mf := range envMap {
		if val, ok := os.LookupEnv(key); ok {
			if err := mf(val, &c); err != nil {
				errs = append(errs, fmt.Errorf("invalid env variable %s: %w", key, err))
			}
		}
	}

	if c.email.driver == "mailgun" && c.email.mailgun.Domain == "" {
		errs = append(errs, errors.New("env variable MAILGUN_DOMAIN is required for the mailgun driver"))
	}

	if c.audit.driver == "webhook" && c.audit.webhook.URL == nil {
		errs = append(errs, errors.New("env variable AUDIT_WEBHOOK_URL is required for the webhook driver"))
	}

	return c, errors.Join(errs...)
}

// confDuration attempts to parse v into tgt and checks if the result is in
// the provided range (inclusive).
func confDuration(v string, tgt *time.Duration, min, max time.Duration) error {
	dur, err := time.ParseDuration(v)
	if err != nil {
		return err
	}

	if dur < min || dur > max {
		return fmt.Errorf("duration %s not in range [%s, %s] (inclusive)", dur, min, max)
	}

	*tgt = dur

	return nil
}

// confInt attempts to parse v into tgt and checks if the result is in
// the provided range (inclusive).
func confInt(v string, tgt *int, min, max int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}

	if n < min || n > max {
		return fmt.Errorf("%d not in range [%d, %d] (inclusive)", n, min, max)
	}

	*tgt = n

	return nil
}

func confBool(v string, tgt *bool) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}

	*tgt = b

	return nil
}

// confURL parses v as an absolute URL.
func confURL(v string, tgt **url.URL) error {
	u, err := url.Parse(v)
	if err != nil {
		return err
	}

	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("url %q needs a scheme and host", v)
	}

	*tgt = u

	return nil
}

func confOneOf(v string, tgt *string, options ...string) error {
	for _, o := range options {
		if v == o {
			*tgt = v
			return nil
		}
	}

	return fmt.Errorf("%q is not one of %s", v, strings.Join(options, ", "))
}

// confRule parses a rule formatted as max/window, for example 5/15m.
func confRule(v string, t ratelimit.LimitType, rules map[ratelimit.LimitType]ratelimit.Rule) error {
	rawMax, rawWindow, ok := strings.Cut(v, "/")
	if !ok {
		return fmt.Errorf("%q is not formatted as max/window", v)
	}

	var r ratelimit.Rule
	err := confInt(rawMax, &r.MaxRequests, 1, math.MaxInt)
	if err != nil {
		return err
	}

	err = confDuration(rawWindow, &r.Window, time.Millisecond, math.MaxInt64)
	if err != nil {
		return err
	}

	rules[t] = r

	return nil
}

func must[T any](t T, err error) T {
	if err != nil {
		panic(err)
	}
	return t
}
