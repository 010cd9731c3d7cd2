package main

import (
	"os"
	"path"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// accountConfig customizes how one source account is created remotely.
type accountConfig struct {
	// Role of the asset account: default, credit_card, savings or cash.
	Role string `yaml:"role"`
	// Currency overrides the run currency for this account (ISO 4217).
	Currency string `yaml:"currency"`
	// Inactive marks the account as closed after import.
	Inactive bool `yaml:"inactive"`
}

type config struct {
	// Currency is the ledger's native currency.
	Currency string `yaml:"currency"`
	// ForeignCurrency is the single foreign currency this run may carry.
	// Empty accepts whichever code the memo convention yields first.
	ForeignCurrency string `yaml:"foreign_currency"`
	// DateFormat is the register's date layout, w.r.t. Jan 02, 2006.
	DateFormat string `yaml:"date_format"`

	// MemoMarker optionally prefixes the foreign-amount convention in
	// memos, e.g. "Paid in" for "Paid in EUR 45.00".
	MemoMarker string `yaml:"memo_marker"`
	// TransferMarker flags a transfer leg in the category or payee
	// column; the counterpart account name follows it.
	TransferMarker string `yaml:"transfer_marker"`
	// TransferDayTolerance widens the date window when pairing the two
	// legs of a transfer.
	TransferDayTolerance int `yaml:"transfer_day_tolerance"`
	// TransferTiebreak picks among several equally-plausible mirror
	// legs: "earliest" (file order, the default) or "latest".
	TransferTiebreak string `yaml:"transfer_tiebreak"`

	EmptyDescription string `yaml:"empty_description"`

	// PayeeMapping renames payees before resolution.
	PayeeMapping map[string]string `yaml:"payee_mapping"`
	// BudgetMapping renames concatenated category names to budget names.
	BudgetMapping map[string]string `yaml:"budget_mapping"`

	Accounts map[string]accountConfig `yaml:"accounts"`

	// MaxRetries bounds the exponential backoff applied to transient
	// gateway failures.
	MaxRetries int `yaml:"max_retries"`
}

func defaultConfig() *config {
	return &config{
		Currency:         "USD",
		DateFormat:       "01/02/2006",
		TransferMarker:   "Transfer:",
		TransferTiebreak: "earliest",
		EmptyDescription: "(empty description)",
		MaxRetries:       4,
	}
}

// loadConfig reads config.yaml from the config directory, if present, over
// the defaults.
func loadConfig(dir string) (*config, error) {
	c := defaultConfig()
	data, err := os.ReadFile(path.Join(dir, "config.yaml"))
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "unable to parse config at %v", path.Join(dir, "config.yaml"))
	}
	if c.TransferTiebreak != "earliest" && c.TransferTiebreak != "latest" {
		return nil, errors.Errorf("transfer_tiebreak must be earliest or latest, got %q", c.TransferTiebreak)
	}
	return c, nil
}

func (c *config) account(name string) accountConfig {
	return c.Accounts[name]
}

func (c *config) payee(name string) string {
	if mapped, ok := c.PayeeMapping[name]; ok {
		return mapped
	}
	return name
}

// credentials for the remote server, from the environment with optional
// .env files in the config directory and the working directory.
func loadCredentials(dir string) (url, token string, err error) {
	// Missing .env files are fine; the variables may be exported.
	_ = godotenv.Load(path.Join(dir, ".env"))
	_ = godotenv.Load()

	url = os.Getenv("FIREFLY_III_URL")
	token = os.Getenv("FIREFLY_III_ACCESS_TOKEN")
	if url == "" || token == "" {
		return "", "", errors.New("FIREFLY_III_URL and FIREFLY_III_ACCESS_TOKEN must be set")
	}
	return url, token, nil
}
