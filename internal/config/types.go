package config

// BusConfig describes the connection to the machine telemetry bus and the
// topic-to-machine mapping (spec §6 "bus").
type BusConfig struct {
	BrokerHost string            `mapstructure:"broker_host"`
	BrokerPort int               `mapstructure:"broker_port"`
	Username   string            `mapstructure:"username"`
	Password   string            `mapstructure:"password"`
	Topics     map[string]string `mapstructure:"topics"` // machine name -> topic
}

// StorageConfig describes the on-disk recording layout and retention policy.
type StorageConfig struct {
	BasePath                 string `mapstructure:"base_path"`
	MaxFileSizeMB            int    `mapstructure:"max_file_size_mb"`
	MaxRecordingDurationMins int    `mapstructure:"max_recording_duration_minutes"`
	CleanupOlderThanDays     int    `mapstructure:"cleanup_older_than_days"`
}

// SystemConfig describes process-wide behavior.
type SystemConfig struct {
	CameraCheckIntervalSeconds int    `mapstructure:"camera_check_interval_seconds"`
	LogLevel                   string `mapstructure:"log_level"`
	LogFile                    string `mapstructure:"log_file"`
	APIHost                    string `mapstructure:"api_host"`
	APIPort                    int    `mapstructure:"api_port"`
	EnableAPI                  bool   `mapstructure:"enable_api"`
	Timezone                   string `mapstructure:"timezone"`
	AutoRecordingEnabled       bool   `mapstructure:"auto_recording_enabled"`
}

// CameraConfig describes one logical camera: its binding to a machine
// topic, its storage destination, and the full image-sensor settings
// surface exposed to the vendor SDK adapter (spec §4.5/§6).
type CameraConfig struct {
	Name         string `mapstructure:"name"`
	MachineTopic string `mapstructure:"machine_topic"`
	StoragePath  string `mapstructure:"storage_path"`
	Enabled      bool   `mapstructure:"enabled"`

	ExposureMs  float64 `mapstructure:"exposure_ms"`
	Gain        float64 `mapstructure:"gain"`
	TargetFPS   float64 `mapstructure:"target_fps"` // 0 = unlimited
	VideoFormat string  `mapstructure:"video_format"`
	VideoCodec  string  `mapstructure:"video_codec"`
	VideoQuality int    `mapstructure:"video_quality"`

	AutoStartRecordingEnabled       bool    `mapstructure:"auto_start_recording_enabled"`
	AutoRecordingMaxRetries         int     `mapstructure:"auto_recording_max_retries"`
	AutoRecordingRetryDelaySeconds  float64 `mapstructure:"auto_recording_retry_delay_seconds"`

	Sharpness  int `mapstructure:"sharpness"`  // 0-200
	Contrast   int `mapstructure:"contrast"`   // 0-200
	Saturation int `mapstructure:"saturation"` // 0-200
	Gamma      int `mapstructure:"gamma"`      // 0-300

	NoiseFilterEnabled bool `mapstructure:"noise_filter_enabled"`
	Denoise3DEnabled   bool `mapstructure:"denoise_3d_enabled"`

	AutoWhiteBalance       bool    `mapstructure:"auto_white_balance"`
	ColorTemperaturePreset int     `mapstructure:"color_temperature_preset"` // 0-10
	WBRedGain              float64 `mapstructure:"wb_red_gain"`              // 0.0-3.99
	WBGreenGain            float64 `mapstructure:"wb_green_gain"`
	WBBlueGain             float64 `mapstructure:"wb_blue_gain"`

	AntiFlickerEnabled bool `mapstructure:"anti_flicker_enabled"`
	LightFrequency     int  `mapstructure:"light_frequency"` // 0=50Hz, 1=60Hz
	BitDepth           int  `mapstructure:"bit_depth"`       // 8,10,12,16

	HDREnabled  bool `mapstructure:"hdr_enabled"`
	HDRGainMode int  `mapstructure:"hdr_gain_mode"` // 0-3

	// PreviewFPS and PreviewQuality configure the Streamer (C9); not part of
	// the distilled spec's literal schema but required to parameterize the
	// preview loop it specifies.
	PreviewFPS     float64 `mapstructure:"preview_fps"`
	PreviewQuality int     `mapstructure:"preview_quality"`
}

// Config is the top-level, coherent configuration tree for the
// coordinator. Unknown keys in the source file are ignored by Viper.
type Config struct {
	Bus     BusConfig      `mapstructure:"mqtt"`
	Storage StorageConfig  `mapstructure:"storage"`
	System  SystemConfig   `mapstructure:"system"`
	Cameras []CameraConfig `mapstructure:"cameras"`
}

// GetCameraByName returns the configured camera with the given name, or
// nil if none is declared.
func (c *Config) GetCameraByName(name string) *CameraConfig {
	for i := range c.Cameras {
		if c.Cameras[i].Name == name {
			return &c.Cameras[i]
		}
	}
	return nil
}
