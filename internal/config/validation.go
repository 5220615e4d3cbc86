package config

import "fmt"

// validBitDepths enumerates the sensor bit depths the camera device
// adapter is required to support (spec §4.5).
var validBitDepths = map[int]bool{8: true, 10: true, 12: true, 16: true}

var validVideoFormats = map[string]bool{"mp4": true, "avi": true, "mkv": true}

// Validate checks the structural and numeric-range invariants named in
// spec §6. It does not mutate c.
func (c *Config) Validate() error {
	if c.Storage.BasePath == "" {
		return fmt.Errorf("storage.base_path must not be empty")
	}
	if c.System.APIPort < 0 || c.System.APIPort > 65535 {
		return fmt.Errorf("system.api_port out of range: %d", c.System.APIPort)
	}
	if c.Bus.BrokerPort < 0 || c.Bus.BrokerPort > 65535 {
		return fmt.Errorf("mqtt.broker_port out of range: %d", c.Bus.BrokerPort)
	}

	seen := make(map[string]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.Name == "" {
			return fmt.Errorf("camera entry missing name")
		}
		if seen[cam.Name] {
			return fmt.Errorf("duplicate camera name: %s", cam.Name)
		}
		seen[cam.Name] = true

		if err := cam.validate(); err != nil {
			return fmt.Errorf("camera %s: %w", cam.Name, err)
		}
	}
	return nil
}

func (cam *CameraConfig) validate() error {
	if cam.TargetFPS < 0 {
		return fmt.Errorf("target_fps must be >= 0")
	}
	if !validVideoFormats[cam.VideoFormat] {
		return fmt.Errorf("invalid video_format: %s", cam.VideoFormat)
	}
	if !validBitDepths[cam.BitDepth] {
		return fmt.Errorf("invalid bit_depth: %d", cam.BitDepth)
	}
	if cam.Sharpness < 0 || cam.Sharpness > 200 {
		return fmt.Errorf("sharpness out of range [0,200]: %d", cam.Sharpness)
	}
	if cam.Contrast < 0 || cam.Contrast > 200 {
		return fmt.Errorf("contrast out of range [0,200]: %d", cam.Contrast)
	}
	if cam.Saturation < 0 || cam.Saturation > 200 {
		return fmt.Errorf("saturation out of range [0,200]: %d", cam.Saturation)
	}
	if cam.Gamma < 0 || cam.Gamma > 300 {
		return fmt.Errorf("gamma out of range [0,300]: %d", cam.Gamma)
	}
	if cam.ColorTemperaturePreset < 0 || cam.ColorTemperaturePreset > 10 {
		return fmt.Errorf("color_temperature_preset out of range [0,10]: %d", cam.ColorTemperaturePreset)
	}
	for _, g := range []struct {
		name string
		val  float64
	}{{"wb_red_gain", cam.WBRedGain}, {"wb_green_gain", cam.WBGreenGain}, {"wb_blue_gain", cam.WBBlueGain}} {
		if g.val < 0.0 || g.val > 3.99 {
			return fmt.Errorf("%s out of range [0.0,3.99]: %v", g.name, g.val)
		}
	}
	if cam.LightFrequency != 0 && cam.LightFrequency != 1 {
		return fmt.Errorf("light_frequency must be 0 or 1")
	}
	if cam.HDRGainMode < 0 || cam.HDRGainMode > 3 {
		return fmt.Errorf("hdr_gain_mode out of range [0,3]: %d", cam.HDRGainMode)
	}
	if cam.AutoRecordingMaxRetries < 0 {
		return fmt.Errorf("auto_recording_max_retries must be >= 0")
	}
	return nil
}
