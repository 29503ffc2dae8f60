package email

import "fmt"

// Config holds all email account configurations. It is embedded in the
// top-level service config under the "email" YAML key.
type Config struct {
	// Accounts lists the email accounts to connect to at startup. The
	// digest pipeline sends through the first account whose SMTP block
	// is configured; any account with an IMAP block is also eligible
	// for bounce/complaint draining (see internal/email/bounce.go).
	Accounts []AccountConfig `yaml:"accounts"`

	// BccOwner is an operator address read from the bcc_owner key. No
	// outbound message is blind-copied to it: the sender does not read
	// this field.
	BccOwner string `yaml:"bcc_owner"`
}

// Configured reports whether at least one account has the minimum
// required IMAP configuration (host and username).
func (c Config) Configured() bool {
	for _, a := range c.Accounts {
		if a.IMAP.Host != "" && a.IMAP.Username != "" {
			return true
		}
	}
	return false
}

// ApplyDefaults fills zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	for i := range c.Accounts {
		a := &c.Accounts[i]

		if a.IMAP.Port == 0 {
			a.IMAP.Port = 993
		}
		if !a.IMAP.TLS && a.IMAP.Port != 143 {
			a.IMAP.TLS = true
		}

		if a.SMTP.Host != "" {
			if a.SMTP.Port == 0 {
				a.SMTP.Port = 587
			}
			if !a.SMTP.StartTLS && a.SMTP.Port != 465 {
				a.SMTP.StartTLS = true
			}
		}
	}
}

// Validate checks that the email configuration is internally consistent.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Accounts))

	for _, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("email: account name is required")
		}
		if seen[a.Name] {
			return fmt.Errorf("email: duplicate account name %q", a.Name)
		}
		seen[a.Name] = true

		if a.IMAP.Host == "" {
			return fmt.Errorf("email: account %q: imap.host is required", a.Name)
		}
		if a.IMAP.Username == "" {
			return fmt.Errorf("email: account %q: imap.username is required", a.Name)
		}
		if a.IMAP.Port < 1 || a.IMAP.Port > 65535 {
			return fmt.Errorf("email: account %q: imap.port %d out of range (1-65535)", a.Name, a.IMAP.Port)
		}

		if a.SMTP.Host != "" {
			if a.SMTP.Username == "" {
				return fmt.Errorf("email: account %q: smtp.username is required when smtp.host is set", a.Name)
			}
			if a.SMTP.Password == "" {
				return fmt.Errorf("email: account %q: smtp.password is required when smtp.host is set", a.Name)
			}
			if a.DefaultFrom == "" {
				return fmt.Errorf("email: account %q: default_from is required when smtp.host is set", a.Name)
			}
			if a.SMTP.Port < 1 || a.SMTP.Port > 65535 {
				return fmt.Errorf("email: account %q: smtp.port %d out of range (1-65535)", a.Name, a.SMTP.Port)
			}
		}
	}

	return nil
}

// AccountConfig is a single mailbox the service can read from and, if
// SMTP is configured, send through.
type AccountConfig struct {
	// Name identifies the account in logs and is the account key the
	// Email Sender and bounce watcher use to select a mailbox.
	Name string `yaml:"name"`

	// IMAP configures the connection used to drain bounce and complaint
	// notifications from this account's inbox.
	IMAP IMAPConfig `yaml:"imap"`

	// SMTP configures outbound sending through this account. Optional —
	// an account can be IMAP-only (bounce monitoring only).
	SMTP SMTPConfig `yaml:"smtp"`

	// DefaultFrom is the verified sender identity used on outbound mail
	// when no explicit From is supplied, e.g. "Weekly Digest <digest@example.com>".
	DefaultFrom string `yaml:"default_from"`

	// SentFolder names the account's sent-mail folder (e.g.
	// "[Gmail]/Sent Mail"). It is only carried in configuration: sent
	// mail is not APPENDed to it and the bounce watcher does not poll it.
	SentFolder string `yaml:"sent_folder"`
}

// SMTPConfigured reports whether this account has enough SMTP
// configuration to attempt sending.
func (a AccountConfig) SMTPConfigured() bool {
	return a.SMTP.Host != "" && a.SMTP.Username != ""
}

// SMTPConfig holds outbound SMTP connection parameters.
type SMTPConfig struct {
	Host string `yaml:"host"`

	// Port is the SMTP server port. Default: 587 (STARTTLS).
	Port int `yaml:"port"`

	Username string `yaml:"username"`

	// Password supports environment variable expansion via the config
	// loader (e.g., ${SMTP_PASSWORD}).
	Password string `yaml:"password"`

	// StartTLS controls whether to upgrade a plaintext connection with
	// STARTTLS (port 587 convention) versus connecting over implicit
	// TLS from the start (port 465 convention). Default: true unless
	// Port is 465.
	StartTLS bool `yaml:"starttls"`
}

// IMAPConfig holds IMAP server connection parameters.
type IMAPConfig struct {
	Host string `yaml:"host"`

	// Port is the IMAP server port. Default: 993 (IMAPS).
	Port int `yaml:"port"`

	Username string `yaml:"username"`

	// Password supports environment variable expansion via the config
	// loader (e.g., ${IMAP_PASSWORD}).
	Password string `yaml:"password"`

	// TLS controls whether to use TLS for the connection. Default: true.
	// Set to false only for port 143 plaintext connections.
	TLS bool `yaml:"tls"`
}
