// internal/config/migrate.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// legacyMeter mirrors one entry of the pre-YAML single-camera JSON
// config. Perspective was flattened into the meter back then.
type legacyMeter struct {
	Name        string `json:"name"`
	Perspective struct {
		Points       [][2]int `json:"points"`
		OutputWidth  int      `json:"output_width"`
		OutputHeight int      `json:"output_height"`
	} `json:"perspective"`
	DisplayMode  string `json:"display_mode"`
	ColorChannel string `json:"color_channel"`
	Threshold    int    `json:"threshold"`
}

type legacyConfig struct {
	Meters []legacyMeter `json:"meters"`
}

// MigrateFromJSON converts a legacy JSON config into a snapshot with a
// single camera "cam-01" whose url is the ${RTSP_URL} placeholder, and
// writes it as canonical YAML at yamlPath. The JSON file is kept as a
// .bak backup.
func MigrateFromJSON(jsonPath, yamlPath string) (*Config, error) {
	raw, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("read legacy config: %w", err)
	}

	var legacy legacyConfig
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, &Error{Msg: fmt.Sprintf("invalid legacy JSON: %v", err)}
	}

	var meters []MeterConfig
	for i, m := range legacy.Meters {
		if len(m.Perspective.Points) != 4 {
			continue
		}
		points := make([]Point, 4)
		for j, p := range m.Perspective.Points {
			points[j] = Point{p[0], p[1]}
		}
		width, height := m.Perspective.OutputWidth, m.Perspective.OutputHeight
		if width == 0 {
			width = 400
		}
		if height == 0 {
			height = 100
		}
		name := m.Name
		if name == "" {
			name = fmt.Sprintf("Meter %d", i+1)
		}
		displayMode := m.DisplayMode
		if displayMode == "" {
			displayMode = DisplayLightOnDark
		}
		channel := m.ColorChannel
		if channel == "" {
			channel = ChannelRed
		}
		meters = append(meters, MeterConfig{
			ID:   fmt.Sprintf("meter-%02d", i+1),
			Name: name,
			Perspective: PerspectiveConfig{
				Points:     points,
				OutputSize: Size{width, height},
			},
			Recognition: RecognitionConfig{
				DisplayMode:  displayMode,
				ColorChannel: channel,
				Threshold:    m.Threshold,
			},
			ShowOnDashboard: true,
		})
	}

	cfg := Default()
	if len(meters) > 0 {
		cfg.Cameras = []CameraConfig{{
			ID:                 "cam-01",
			Name:               "Default Camera",
			URL:                "${RTSP_URL}",
			Enabled:            true,
			ProcessingInterval: 1.0,
			Meters:             meters,
		}}
	}
	for i := range cfg.Cameras {
		for j := range cfg.Cameras[i].Meters {
			cfg.Cameras[i].Meters[j].Perspective.normalize()
		}
	}

	backup := jsonPath + ".bak"
	if _, err := os.Stat(backup); os.IsNotExist(err) {
		if err := os.Rename(jsonPath, backup); err != nil {
			return nil, fmt.Errorf("backup legacy config: %w", err)
		}
	}

	if err := Save(cfg, yamlPath); err != nil {
		return nil, err
	}
	return cfg, nil
}
