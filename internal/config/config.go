package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Endpoint is the connection information of one DHIS2 instance.
type Endpoint struct {
	URL      string `yaml:"url" validate:"omitempty,url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Configured reports whether the endpoint has a URL.
func (e Endpoint) Configured() bool {
	return e.URL != ""
}

// Years selects the date windows values are moved for.
type Years struct {
	Specific []int `yaml:"specific" validate:"dive,min=1900,max=2100"`
	Back     int   `yaml:"back" validate:"min=0,step3"`
	Months   []int `yaml:"months" validate:"dive,min=1,max=12"`
	Days     bool  `yaml:"days"`
}

// Config represents the application configuration
type Config struct {
	Source      Endpoint `yaml:"source"`
	Destination Endpoint `yaml:"destination"`
	Reference   Endpoint `yaml:"reference"`

	Worksheet   string `yaml:"worksheet"`
	RenameSheet string `yaml:"rename_sheet"`

	DatasetName          string `yaml:"dataset_name" validate:"required"`
	GroupName            string `yaml:"group_name" validate:"required"`
	ElementSuffix        string `yaml:"element_suffix"`
	DatasetPeriodType    string `yaml:"dataset_period_type"`
	DatasetCategoryCombo string `yaml:"dataset_category_combo"`
	NameAttribute        string `yaml:"name_attribute"`
	ProgramAttribute     string `yaml:"program_attribute"`
	ProgramValue         string `yaml:"program_value"`
	OrgUnitGroup         string `yaml:"org_unit_group"`

	Years           Years    `yaml:"years"`
	SkipRestructure bool     `yaml:"skip_restructure"`
	ProcessValues   bool     `yaml:"process_values"`
	SpecificCOCs    []string `yaml:"specific_cocs"`
	RestructureMode string   `yaml:"restructure_mode" validate:"oneof=bulk row"`
	LookupSide      string   `yaml:"lookup_side" validate:"oneof=source destination"`

	MaxDisambiguation int `yaml:"max_disambiguation" validate:"min=0"`
	BatchSize         int `yaml:"batch_size" validate:"min=1"`
	MaxAttempts       int `yaml:"max_attempts" validate:"min=1"`

	ConflictsFile string `yaml:"conflicts_file"`
	PostedFile    string `yaml:"posted_file"`
	RenamesFile   string `yaml:"renames_file"`
	ProblemsFile  string `yaml:"problems_file"`
	JournalPath   string `yaml:"journal_path"`

	ExcludeOptions []string `yaml:"exclude_options"`
	AllowList      []string `yaml:"allow_list"`

	MetadataTimeout   time.Duration `yaml:"metadata_timeout" validate:"min=0"`
	ValuesTimeout     time.Duration `yaml:"values_timeout" validate:"min=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"min=0"`

	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFile     string `yaml:"log_file"`
	MetricsFile string `yaml:"metrics_file"`
	Output      string `yaml:"output" validate:"oneof=table json yaml"`
}

// Default returns the configuration before any file or environment is read.
func Default() *Config {
	return &Config{
		RenameSheet:       "Update CoCs.csv",
		DatasetName:       "Migration DataSet",
		GroupName:         "Data Migration Group",
		ElementSuffix:     ": Continuation",
		DatasetPeriodType: "Monthly",
		NameAttribute:     "HazSRVC04rO",
		ProgramAttribute:  "I1UUL3vTmdi",
		ProgramValue:      "MER",
		Years:             Years{Back: 9},
		ProcessValues:     true,
		RestructureMode:   "bulk",
		LookupSide:        "source",
		MaxDisambiguation: 2,
		BatchSize:         500,
		MaxAttempts:       2,
		ConflictsFile:     "conflicts.csv",
		PostedFile:        "posted data element.txt",
		RenamesFile:       "renamed category options.csv",
		ProblemsFile:      "problematic CoCs.csv",
		ExcludeOptions:    []string{"COP", "DSD"},
		MetadataTimeout:   60 * time.Second,
		ValuesTimeout:     600 * time.Second,
		LogLevel:          "info",
		LogFile:           filepath.Join("logs", "dhismig.log"),
		Output:            "table",
	}
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables (DHISMIG_*)
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. the file named by path, when set
// 4. ~/.config/dhismig/config.yaml (YAML)
// 5. built-in defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// the user-level file is optional
	_ = loadYAMLConfig(cfg)

	if path != "" {
		if err := loadYAMLFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.JournalPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.JournalPath = filepath.Join(homeDir, ".local", "share", "dhismig", "journal.db")
	}

	// same instance on both sides unless told otherwise
	if !cfg.Destination.Configured() {
		cfg.Destination = cfg.Source
	}

	return cfg, nil
}

// loadYAMLConfig loads configuration from ~/.config/dhismig/config.yaml
func loadYAMLConfig(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	return loadYAMLFile(cfg, filepath.Join(homeDir, ".config", "dhismig", "config.yaml"))
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) error {
	endpoint := func(e *Endpoint, side string) {
		prefix := "DHISMIG_" + side + "_"
		setString(&e.URL, getEnvOrFile(prefix+"URL", prefix+"URL_FILE"))
		setString(&e.Username, getEnvOrFile(prefix+"USERNAME", prefix+"USERNAME_FILE"))
		setString(&e.Password, getEnvOrFile(prefix+"PASSWORD", prefix+"PASSWORD_FILE"))
	}
	endpoint(&cfg.Source, "SOURCE")
	endpoint(&cfg.Destination, "DESTINATION")
	endpoint(&cfg.Reference, "REFERENCE")

	setString(&cfg.Worksheet, os.Getenv("DHISMIG_WORKSHEET"))
	setString(&cfg.JournalPath, getEnvOrFile("DHISMIG_JOURNAL_PATH", "DHISMIG_JOURNAL_PATH_FILE"))
	setString(&cfg.OrgUnitGroup, os.Getenv("DHISMIG_ORG_UNIT_GROUP"))
	setString(&cfg.RestructureMode, os.Getenv("DHISMIG_RESTRUCTURE_MODE"))
	setString(&cfg.LookupSide, os.Getenv("DHISMIG_LOOKUP_SIDE"))
	setString(&cfg.LogLevel, os.Getenv("DHISMIG_LOG_LEVEL"))
	setString(&cfg.LogFile, os.Getenv("DHISMIG_LOG_FILE"))
	setString(&cfg.MetricsFile, os.Getenv("DHISMIG_METRICS_FILE"))
	setString(&cfg.Output, os.Getenv("DHISMIG_OUTPUT"))

	var errs []error
	if v := os.Getenv("DHISMIG_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DHISMIG_BATCH_SIZE: %w", err))
		}
		cfg.BatchSize = n
	}
	if v := os.Getenv("DHISMIG_REQUESTS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("DHISMIG_REQUESTS_PER_SECOND: %w", err))
		}
		cfg.RequestsPerSecond = f
	}
	if v := os.Getenv("DHISMIG_SPECIFIC_COCS"); v != "" {
		cfg.SpecificCOCs = splitList(v)
	}
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		if dir == homeDir {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// dynamic year windows are three years wide
	_ = v.RegisterValidation("step3", func(fl validator.FieldLevel) bool {
		return fl.Field().Int()%3 == 0
	})
	return v
}

// Validate checks field constraints and that the source is configured.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.Source.Configured() {
		return errors.New("invalid configuration: source url is required")
	}
	return nil
}

// MonthList converts the configured month numbers.
func (y Years) MonthList() []time.Month {
	out := make([]time.Month, 0, len(y.Months))
	for _, m := range y.Months {
		out = append(out, time.Month(m))
	}
	return out
}
