package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Unterstützte Werte für Backends und Policies
const (
	BackendOpenCV     = "opencv"
	BackendYuNet      = "yunet"
	BackendDeepFace   = "deepface"
	BackendCompreFace = "compreface"

	PolicyFirst = "first"
	PolicyBest  = "best"
)

// Config repräsentiert die Hauptkonfiguration der Anwendung
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	FaceDB      FaceDBConfig      `mapstructure:"facedb"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	Detection   DetectionConfig   `mapstructure:"detection"`
	Verifier    VerifierConfig    `mapstructure:"verifier"`
	DeepFace    DeepFaceConfig    `mapstructure:"deepface"`
	CompreFace  CompreFaceConfig  `mapstructure:"compreface"`
	OpenCV      OpenCVConfig      `mapstructure:"opencv"`
	History     HistoryConfig     `mapstructure:"history"`
	Cleanup     CleanupConfig     `mapstructure:"cleanup"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	I18n        I18nConfig        `mapstructure:"i18n"`
}

// ServerConfig enthält Server-bezogene Einstellungen
type ServerConfig struct {
	Host          string   `mapstructure:"host"`
	Port          int      `mapstructure:"port"`
	DataDir       string   `mapstructure:"data_dir"`
	CORSOrigins   []string `mapstructure:"cors_origins"`
	SessionSecret string   `mapstructure:"session_secret"`
	MaxBodyMB     int      `mapstructure:"max_body_mb"`
}

// LogConfig enthält Log-Einstellungen
type LogConfig struct {
	Level  string `mapstructure:"level"`
	File   string `mapstructure:"file"`
	Format string `mapstructure:"format"` // "text" oder "json"
}

// FaceDBConfig beschreibt das Verzeichnis der Gesichtsdatenbank
type FaceDBConfig struct {
	Root string `mapstructure:"root"`
}

// RecognitionConfig steuert den Abgleich gegen die Datenbank
type RecognitionConfig struct {
	Threshold            float64       `mapstructure:"threshold"`  // maximale Distanz für einen Treffer
	ModelName            string        `mapstructure:"model_name"` // Embedding-Modell (z.B. "Facenet")
	MatchPolicy          string        `mapstructure:"match_policy"`
	ReturnAnnotatedImage bool          `mapstructure:"return_annotated_image"`
	ScanTimeout          time.Duration `mapstructure:"scan_timeout"`
	Workers              int           `mapstructure:"workers"`
}

// DetectionConfig steuert die Gesichtslokalisierung
type DetectionConfig struct {
	Backend          string  `mapstructure:"backend"` // detector_backend
	EnforceDetection bool    `mapstructure:"enforce_detection"`
	MinConfidence    float64 `mapstructure:"min_confidence"`
}

// VerifierConfig wählt das Verifikations-Backend
type VerifierConfig struct {
	Provider          string        `mapstructure:"provider"`
	EmbeddingCacheTTL time.Duration `mapstructure:"embedding_cache_ttl"`
}

// DeepFaceConfig enthält die Einstellungen für den DeepFace-API-Server
type DeepFaceConfig struct {
	URL            string        `mapstructure:"url"`
	DistanceMetric string        `mapstructure:"distance_metric"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// CompreFaceConfig enthält CompreFace-Einstellungen
type CompreFaceConfig struct {
	URL                string        `mapstructure:"url"`
	VerificationAPIKey string        `mapstructure:"verification_api_key"`
	DetectionAPIKey    string        `mapstructure:"detection_api_key"`
	DetProbThreshold   float64       `mapstructure:"det_prob_threshold"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// OpenCVConfig enthält Einstellungen für die OpenCV-Integration
type OpenCVConfig struct {
	UseGPU         bool    `mapstructure:"use_gpu"`
	CascadePath    string  `mapstructure:"cascade_path"`
	YuNetModelPath string  `mapstructure:"yunet_model_path"`
	SFaceModelPath string  `mapstructure:"sface_model_path"`
	ScaleFactor    float64 `mapstructure:"scale_factor"`
	MinNeighbors   int     `mapstructure:"min_neighbors"`
	MinSizeWidth   int     `mapstructure:"min_size_width"`
	MinSizeHeight  int     `mapstructure:"min_size_height"`
}

// HistoryConfig steuert das Protokoll der Erkennungsergebnisse
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
}

// CleanupConfig enthält Bereinigungseinstellungen
type CleanupConfig struct {
	RetentionDays int           `mapstructure:"retention_days"`
	Interval      time.Duration `mapstructure:"interval"`
}

// MQTTConfig enthält die Konfiguration für den MQTT-Client
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`

	// Home Assistant MQTT Discovery
	HomeAssistant   bool   `mapstructure:"homeassistant"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
}

// I18nConfig enthält die Spracheinstellungen
type I18nConfig struct {
	DefaultLanguage string `mapstructure:"default_language"`
}

// Load lädt die Konfiguration aus .env, Datei, Umgebungsvariablen und Standardwerten
func Load(configPath string) (*Config, error) {
	// .env ist optional, bereits gesetzte Variablen gewinnen
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("Failed to load .env file: %v", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	// Umgebungsvariablen überlagern die Konfiguration
	v.SetEnvPrefix("FACEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Detection.Backend = strings.ToLower(cfg.Detection.Backend)
	cfg.Verifier.Provider = strings.ToLower(cfg.Verifier.Provider)
	cfg.Recognition.MatchPolicy = strings.ToLower(cfg.Recognition.MatchPolicy)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// Validate prüft die Konfiguration auf ungültige Kombinationen
func (c *Config) Validate() error {
	if c.Recognition.Threshold <= 0 {
		return fmt.Errorf("recognition.threshold must be > 0, got %v", c.Recognition.Threshold)
	}
	switch c.Recognition.MatchPolicy {
	case PolicyFirst, PolicyBest:
	default:
		return fmt.Errorf("unknown recognition.match_policy %q", c.Recognition.MatchPolicy)
	}
	switch c.Detection.Backend {
	case BackendOpenCV, BackendYuNet, BackendDeepFace, BackendCompreFace:
	default:
		return fmt.Errorf("unknown detection.backend %q", c.Detection.Backend)
	}
	switch c.Verifier.Provider {
	case BackendOpenCV, BackendDeepFace, BackendCompreFace:
	default:
		return fmt.Errorf("unknown verifier.provider %q", c.Verifier.Provider)
	}
	if c.FaceDB.Root == "" {
		return errors.New("facedb.root must not be empty")
	}
	return nil
}

// setDefaults legt Standardwerte für die Konfiguration fest
func setDefaults(v *viper.Viper) {
	// Server-Standardwerte
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5050)
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.session_secret", "facegate-session")
	v.SetDefault("server.max_body_mb", 20)

	// Log-Standardwerte
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.format", "text")

	v.SetDefault("facedb.root", "images")

	// Erkennung
	v.SetDefault("recognition.threshold", 0.6)
	v.SetDefault("recognition.model_name", "Facenet")
	v.SetDefault("recognition.match_policy", PolicyFirst)
	v.SetDefault("recognition.return_annotated_image", true)
	v.SetDefault("recognition.scan_timeout", 60*time.Second)
	v.SetDefault("recognition.workers", 0) // 0 = abhängig von der CPU-Anzahl

	v.SetDefault("detection.backend", BackendOpenCV)
	v.SetDefault("detection.enforce_detection", false)
	v.SetDefault("detection.min_confidence", 0.9)

	v.SetDefault("verifier.provider", BackendDeepFace)
	v.SetDefault("verifier.embedding_cache_ttl", time.Hour)

	v.SetDefault("deepface.url", "http://localhost:5000")
	v.SetDefault("deepface.distance_metric", "cosine")
	v.SetDefault("deepface.timeout", 30*time.Second)

	v.SetDefault("compreface.url", "http://localhost:8000")
	v.SetDefault("compreface.det_prob_threshold", 0.8)
	v.SetDefault("compreface.timeout", 30*time.Second)

	// OpenCV-Standardwerte
	v.SetDefault("opencv.use_gpu", false)
	v.SetDefault("opencv.cascade_path", "./models/haarcascades")
	v.SetDefault("opencv.yunet_model_path", "./models/face_detection_yunet_2023mar.onnx")
	v.SetDefault("opencv.sface_model_path", "./models/face_recognition_sface_2021dec.onnx")
	v.SetDefault("opencv.scale_factor", 1.1)
	v.SetDefault("opencv.min_neighbors", 5)
	v.SetDefault("opencv.min_size_width", 30)
	v.SetDefault("opencv.min_size_height", 30)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.file", "./data/facegate.db")

	v.SetDefault("cleanup.retention_days", 30)
	v.SetDefault("cleanup.interval", 24*time.Hour)

	// MQTT-Standardwerte
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "facegate")
	v.SetDefault("mqtt.topic_prefix", "facegate")
	v.SetDefault("mqtt.homeassistant", false)
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")

	v.SetDefault("i18n.default_language", "en")
}

// ensureDirectories stellt sicher, dass alle erforderlichen Verzeichnisse existieren
func ensureDirectories(cfg *Config) error {
	if cfg.Server.DataDir != "" {
		if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.FaceDB.Root, 0755); err != nil {
		return fmt.Errorf("failed to create face database directory: %w", err)
	}

	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	if cfg.History.Enabled && cfg.History.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.History.File), 0755); err != nil {
			return fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	return nil
}
