package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kat-co/vala"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Debug           bool
		TestMode        bool
		Env             string // DEV (default), TEST, QA, PROD
		Build           string
		AppName         string
		SecretKey       string
		FrontendBaseURL string
		WorkDir         string

		DefaultFromEmailAddr      string
		DefaultFromEmailName      string
		SendgridApiKey            string
		RollbarToken              string
		PasswordResetTimeoutDelta time.Duration

		Server   ServerConfig
		Database DatabaseConfig
		Storage  StorageConfig
	}

	ServerConfig struct {
		Host                      string
		DebugHost                 string
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
		ShutdownTimeout           time.Duration
	}

	DatabaseConfig struct {
		Engine        string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		Host          string
		Port          string
		DisableTLS    bool
	}

	// StorageConfig holds the S3-compatible object storage credentials used
	// by the upload URL signer.
	StorageConfig struct {
		Bucket        string
		Region        string
		Endpoint      string // S3-compatible endpoint; empty for AWS proper
		AccessKey     string
		SecretKey     string
		PathStyle     bool   // path-style addressing (mostly for MinIO & friends)
		PublicBaseURL string // overrides the derived public URL base when set
		UploadExpiry  time.Duration
	}
)

func (c DatabaseConfig) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c *Config) DefaultFromEmail() *mail.Address {
	return &mail.Address{Name: c.DefaultFromEmailName, Address: c.DefaultFromEmailAddr}
}

// Validate checks that production-critical settings are provided.
func (c *Config) Validate() error {
	return vala.BeginValidation().Validate(
		vala.StringNotEmpty(c.SecretKey, "SECRETKEY"),
		vala.StringNotEmpty(c.Database.Name, "DATABASE_NAME"),
	).Check()
}

// NewConfig loads the app configuration from defaults, an optional
// config/.env.<env> file and environment variables (prefixed with the env name).
func NewConfig() *Config {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	// defaults
	v.SetDefault("debug", true)
	v.SetDefault("testMode", false)
	v.SetDefault("build", "dev")
	v.SetDefault("appName", "Shule")
	v.SetDefault("secretKey", "hx2(h!x)#*c2(#yg4h^$cegm2emy-poq5-wer)enb$+57=dz&uo")
	v.SetDefault("frontendBaseURL", "http://localhost:8080")
	v.SetDefault("defaultFromEmail", "noreply@localhost")
	v.SetDefault("defaultFromName", "Shule")
	v.SetDefault("passwordResetTimeoutDelta", 3*24*time.Hour)

	v.SetDefault("serverHost", "0.0.0.0:8000")
	v.SetDefault("serverDebugHost", "0.0.0.0:4000")
	v.SetDefault("jwtExpirationDelta", 1*time.Hour)
	v.SetDefault("jwtRefreshExpirationDelta", 30*24*time.Hour)
	v.SetDefault("serverShutdownTimeout", 5*time.Second)

	v.SetDefault("databaseEngine", "postgres")
	v.SetDefault("databaseName", "shule")
	v.SetDefault("databaseUser", "shule")
	v.SetDefault("databasePassword", "")
	v.SetDefault("databaseAdminUser", "postgres")
	v.SetDefault("databaseAdminPassword", "postgres")
	v.SetDefault("databaseHost", "localhost")
	v.SetDefault("databasePort", "5432")
	v.SetDefault("databaseDisableTLS", true)

	v.SetDefault("storageBucket", "")
	v.SetDefault("storageRegion", "us-east-1")
	v.SetDefault("storageEndpoint", "")
	v.SetDefault("storageAccessKey", "")
	v.SetDefault("storageSecretKey", "")
	v.SetDefault("storagePathStyle", false)
	v.SetDefault("storagePublicBaseURL", "")
	v.SetDefault("storageUploadExpiry", 15*time.Minute)

	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}
	if env == "TEST" {
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)

	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("config.os.Getwd: %v", err)
	}

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	return &Config{
		Debug:           v.GetBool("debug"),
		TestMode:        v.GetBool("testMode"),
		Env:             env,
		Build:           v.GetString("build"),
		AppName:         v.GetString("appName"),
		SecretKey:       v.GetString("secretKey"),
		FrontendBaseURL: v.GetString("frontendBaseURL"),
		WorkDir:         wd,

		DefaultFromEmailAddr:      v.GetString("defaultFromEmail"),
		DefaultFromEmailName:      v.GetString("defaultFromName"),
		SendgridApiKey:            v.GetString("sendgridApiKey"),
		RollbarToken:              v.GetString("rollbarToken"),
		PasswordResetTimeoutDelta: v.GetDuration("passwordResetTimeoutDelta"),

		Server: ServerConfig{
			Host:                      v.GetString("serverHost"),
			DebugHost:                 v.GetString("serverDebugHost"),
			JWTExpirationDelta:        v.GetDuration("jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("jwtRefreshExpirationDelta"),
			ShutdownTimeout:           v.GetDuration("serverShutdownTimeout"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("databaseEngine"),
			Name:          v.GetString("databaseName"),
			User:          v.GetString("databaseUser"),
			Password:      v.GetString("databasePassword"),
			AdminUser:     v.GetString("databaseAdminUser"),
			AdminPassword: v.GetString("databaseAdminPassword"),
			Host:          v.GetString("databaseHost"),
			Port:          v.GetString("databasePort"),
			DisableTLS:    v.GetBool("databaseDisableTLS"),
		},
		Storage: StorageConfig{
			Bucket:        v.GetString("storageBucket"),
			Region:        v.GetString("storageRegion"),
			Endpoint:      v.GetString("storageEndpoint"),
			AccessKey:     v.GetString("storageAccessKey"),
			SecretKey:     v.GetString("storageSecretKey"),
			PathStyle:     v.GetBool("storagePathStyle"),
			PublicBaseURL: v.GetString("storagePublicBaseURL"),
			UploadExpiry:  v.GetDuration("storageUploadExpiry"),
		},
	}
}
