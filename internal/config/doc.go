// Package config provides centralized configuration management for the
// vision-capture coordinator.
//
// It handles configuration loading, validation, hot reload, and typed
// access to bus, storage, system, and per-camera settings.
//
// Key features:
//   - YAML configuration file loading with Viper
//   - Environment variable override support (VISION_COORD_* prefix)
//   - Optional hot reload via filesystem watching
//   - Validation with meaningful error messages
//   - Default value management
//   - Thread-safe access and a save/load round trip
package config
