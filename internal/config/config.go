// Package config loads and validates the gateway's YAML configuration
// file, following the pack's env-expand-then-unmarshal-then-default
// pattern.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Settings holds the single-tenant server knobs.
type Settings struct {
	ServerHost            string `yaml:"server_host"`
	ServerPort            int    `yaml:"server_port"`
	Username              string `yaml:"username" validate:"required"`
	Password              string `yaml:"password" validate:"required"`
	ReadSmsFrequency      int    `yaml:"read_sms_frequency"`
	WebhooksMaxConcurrent int    `yaml:"webhooks_max_concurrent"`
	SmsStorage            string `yaml:"sms_storage"`
}

// Device describes one configured serial port.
type Device struct {
	ComPort    string `yaml:"com_port" validate:"required"`
	BaudRate   int    `yaml:"baud_rate"`
	SmsStorage string `yaml:"sms_storage"`
}

// TimeFilter restricts dispatch to a local time-of-day window and/or a
// set of weekdays (0 = Sunday).
type TimeFilter struct {
	StartTime  string `yaml:"start_time,omitempty"`
	EndTime    string `yaml:"end_time,omitempty"`
	DaysOfWeek []int  `yaml:"days_of_week,omitempty"`
}

// MessageFilter restricts dispatch by message content.
type MessageFilter struct {
	Contains    []string `yaml:"contains,omitempty"`
	NotContains []string `yaml:"not_contains,omitempty"`
	Regex       string   `yaml:"regex,omitempty"`
}

// Webhook describes one outbound dispatch rule.
type Webhook struct {
	URL         string            `yaml:"url" validate:"required"`
	Method      string            `yaml:"method"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Body        string            `yaml:"body" validate:"required"`
	QueryParams map[string]string `yaml:"query_params,omitempty"`
	Timeout     int               `yaml:"timeout"`

	// Filters, all optional; absent filter = pass.
	ContactFilter   []string       `yaml:"contact_filter,omitempty"`
	SimFilter       []string       `yaml:"sim_filter,omitempty"`
	TimeFilter      *TimeFilter    `yaml:"time_filter,omitempty"`
	MessageFilter   *MessageFilter `yaml:"message_filter,omitempty"`
	IncludeSelfSent bool           `yaml:"include_self_sent"`
}

// TimeoutDuration is Timeout as a time.Duration, defaulted if zero.
func (w Webhook) TimeoutDuration() time.Duration {
	if w.Timeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(w.Timeout) * time.Second
}

// Config is the top-level document.
type Config struct {
	Settings Settings  `yaml:"settings"`
	Devices  []Device  `yaml:"devices" validate:"required,min=1,dive"`
	Webhooks []Webhook `yaml:"webhooks" validate:"dive"`
}

// Load reads path, expands ${VAR} OS environment references, unmarshals
// YAML, applies defaults, and validates. It returns a descriptive error
// on any failure so startup can fail fast.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Settings.ServerHost == "" {
		cfg.Settings.ServerHost = "0.0.0.0"
	}
	if cfg.Settings.ServerPort == 0 {
		cfg.Settings.ServerPort = 8080
	}
	if cfg.Settings.ReadSmsFrequency == 0 {
		cfg.Settings.ReadSmsFrequency = 10
	}
	if cfg.Settings.WebhooksMaxConcurrent == 0 {
		cfg.Settings.WebhooksMaxConcurrent = 10
	}
	if cfg.Settings.SmsStorage == "" {
		cfg.Settings.SmsStorage = "SM"
	}
	for i := range cfg.Devices {
		if cfg.Devices[i].BaudRate == 0 {
			cfg.Devices[i].BaudRate = 115200
		}
		if cfg.Devices[i].SmsStorage == "" {
			cfg.Devices[i].SmsStorage = cfg.Settings.SmsStorage
		}
	}
	for i := range cfg.Webhooks {
		if cfg.Webhooks[i].Method == "" {
			cfg.Webhooks[i].Method = "POST"
		}
	}
}

func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return errors.Wrap(err, "validate config")
	}
	for _, w := range cfg.Webhooks {
		if err := validateWebhookURL(w); err != nil {
			return err
		}
		if err := validateWebhookWindow(w); err != nil {
			return err
		}
		if err := validateWebhookMessageRegex(w); err != nil {
			return err
		}
	}
	return nil
}

func validateWebhookMessageRegex(w Webhook) error {
	if w.MessageFilter == nil || w.MessageFilter.Regex == "" {
		return nil
	}
	if _, err := regexp.Compile(w.MessageFilter.Regex); err != nil {
		return errors.Wrapf(err, "webhook %q: invalid message_filter regex", w.URL)
	}
	return nil
}

func validateWebhookURL(w Webhook) error {
	if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
		return errors.Errorf("webhook %q: url must start with http:// or https://", w.URL)
	}
	return nil
}

func validateWebhookWindow(w Webhook) error {
	if w.TimeFilter == nil || w.TimeFilter.StartTime == "" || w.TimeFilter.EndTime == "" {
		return nil
	}
	start, err := time.Parse("15:04", w.TimeFilter.StartTime)
	if err != nil {
		return errors.Wrapf(err, "webhook %q: invalid start_time", w.URL)
	}
	end, err := time.Parse("15:04", w.TimeFilter.EndTime)
	if err != nil {
		return errors.Wrapf(err, "webhook %q: invalid end_time", w.URL)
	}
	if start.After(end) {
		return errors.Errorf("webhook %q: time_filter start_time must not be after end_time", w.URL)
	}
	return nil
}
