// internal/config/config.go
package config

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Error is a configuration error pointing at the offending YAML path,
// e.g. "cameras[0].meters[1].perspective.points".
type Error struct {
	Path string
	Msg  string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

func errAt(path, format string, args ...interface{}) error {
	return &Error{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Display modes for seven-segment recognition.
const (
	DisplayLightOnDark = "light_on_dark"
	DisplayDarkOnLight = "dark_on_light"
)

// Color channels for preprocessing.
const (
	ChannelRed   = "red"
	ChannelGreen = "green"
	ChannelBlue  = "blue"
	ChannelGray  = "gray"
)

// Indicator detection modes.
const (
	DetectBrightness = "brightness"
	DetectColor      = "color"
)

// Point is an (x, y) pixel coordinate in source-image space.
// Serialized as a two-element flow sequence: [x, y].
type Point [2]int

func (p Point) X() int { return p[0] }
func (p Point) Y() int { return p[1] }

func (p Point) MarshalYAML() (interface{}, error) {
	n := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	n.Content = []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: fmt.Sprintf("%d", p[0])},
		{Kind: yaml.ScalarNode, Value: fmt.Sprintf("%d", p[1])},
	}
	return n, nil
}

// Size is a (width, height) pair, serialized as [w, h].
type Size [2]int

func (s Size) Width() int  { return s[0] }
func (s Size) Height() int { return s[1] }

func (s Size) MarshalYAML() (interface{}, error) {
	n := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	n.Content = []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: fmt.Sprintf("%d", s[0])},
		{Kind: yaml.ScalarNode, Value: fmt.Sprintf("%d", s[1])},
	}
	return n, nil
}

// PerspectiveConfig maps a source quadrilateral to an axis-aligned
// output rectangle. After loading, Points are normalized to
// TL, TR, BR, BL order.
type PerspectiveConfig struct {
	Points     []Point `yaml:"points"`
	OutputSize Size    `yaml:"output_size"`
}

func (p *PerspectiveConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw PerspectiveConfig
	r := raw{OutputSize: Size{400, 100}}
	if err := value.Decode(&r); err != nil {
		return err
	}
	*p = PerspectiveConfig(r)
	return nil
}

// normalize orders the four points TL, TR, BR, BL using a
// sort-by-y-then-x rule: the two topmost points become TL/TR by x,
// the two bottommost become BL/BR by x.
func (p *PerspectiveConfig) normalize() {
	if len(p.Points) != 4 {
		return
	}
	pts := make([]Point, 4)
	copy(pts, p.Points)
	sort.SliceStable(pts, func(i, j int) bool {
		if pts[i].Y() != pts[j].Y() {
			return pts[i].Y() < pts[j].Y()
		}
		return pts[i].X() < pts[j].X()
	})
	top, bottom := pts[:2], pts[2:]
	sort.SliceStable(top, func(i, j int) bool { return top[i].X() < top[j].X() })
	sort.SliceStable(bottom, func(i, j int) bool { return bottom[i].X() < bottom[j].X() })
	p.Points = []Point{top[0], top[1], bottom[1], bottom[0]}
}

func (p *PerspectiveConfig) validate(path string) error {
	if len(p.Points) != 4 {
		return errAt(path+".points", "perspective must have exactly 4 points, got %d", len(p.Points))
	}
	for i, pt := range p.Points {
		if pt.X() < 0 || pt.Y() < 0 {
			return errAt(fmt.Sprintf("%s.points[%d]", path, i), "point coordinates must be non-negative")
		}
	}
	if p.OutputSize.Width() < 16 || p.OutputSize.Height() < 16 {
		return errAt(path+".output_size", "output size must be at least 16x16, got %dx%d",
			p.OutputSize.Width(), p.OutputSize.Height())
	}
	return nil
}

// RecognitionConfig tunes the seven-segment decoding of one meter.
type RecognitionConfig struct {
	DisplayMode  string `yaml:"display_mode"`
	ColorChannel string `yaml:"color_channel"`
	Threshold    int    `yaml:"threshold"` // 0 = auto (Otsu)
}

func (r *RecognitionConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw RecognitionConfig
	rr := raw{DisplayMode: DisplayLightOnDark, ColorChannel: ChannelRed}
	if err := value.Decode(&rr); err != nil {
		return err
	}
	*r = RecognitionConfig(rr)
	return nil
}

// MeterConfig describes one seven-segment readout on a camera.
type MeterConfig struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Perspective     PerspectiveConfig `yaml:"perspective"`
	Recognition     RecognitionConfig `yaml:"recognition"`
	ExpectedDigits  int               `yaml:"expected_digits"` // 0 = auto
	DecimalPlaces   int               `yaml:"decimal_places"`
	Unit            string            `yaml:"unit"`
	ShowOnDashboard bool              `yaml:"show_on_dashboard"`
}

func (m *MeterConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw MeterConfig
	r := raw{
		Recognition:     RecognitionConfig{DisplayMode: DisplayLightOnDark, ColorChannel: ChannelRed},
		Perspective:     PerspectiveConfig{OutputSize: Size{400, 100}},
		ShowOnDashboard: true,
	}
	if err := value.Decode(&r); err != nil {
		return err
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	*m = MeterConfig(r)
	return nil
}

func (m *MeterConfig) validate(path string) error {
	if m.ID == "" {
		return errAt(path+".id", "meter id is required")
	}
	if len(m.ID) > 64 {
		return errAt(path+".id", "meter id exceeds 64 characters")
	}
	if err := m.Perspective.validate(path + ".perspective"); err != nil {
		return err
	}
	switch m.Recognition.DisplayMode {
	case DisplayLightOnDark, DisplayDarkOnLight:
	default:
		return errAt(path+".recognition.display_mode", "unknown display mode %q", m.Recognition.DisplayMode)
	}
	switch m.Recognition.ColorChannel {
	case ChannelRed, ChannelGreen, ChannelBlue, ChannelGray:
	default:
		return errAt(path+".recognition.color_channel", "unknown color channel %q", m.Recognition.ColorChannel)
	}
	if m.Recognition.Threshold < 0 || m.Recognition.Threshold > 255 {
		return errAt(path+".recognition.threshold", "threshold must be in [0,255], got %d", m.Recognition.Threshold)
	}
	if m.ExpectedDigits < 0 {
		return errAt(path+".expected_digits", "expected_digits must be >= 0")
	}
	if m.DecimalPlaces < 0 {
		return errAt(path+".decimal_places", "decimal_places must be >= 0")
	}
	return nil
}

// DetectionConfig tunes the indicator lamp detector.
type DetectionConfig struct {
	Mode           string  `yaml:"mode"`
	Threshold      int     `yaml:"threshold"` // brightness mode; 0 = auto (Otsu)
	OnColor        string  `yaml:"on_color"`  // color mode
	RatioThreshold float64 `yaml:"ratio_threshold"`
}

func (d *DetectionConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw DetectionConfig
	r := raw{Mode: DetectBrightness, Threshold: 128, OnColor: "red", RatioThreshold: 0.2}
	if err := value.Decode(&r); err != nil {
		return err
	}
	*d = DetectionConfig(r)
	return nil
}

// IndicatorConfig describes one on/off lamp on a camera.
type IndicatorConfig struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Perspective     PerspectiveConfig `yaml:"perspective"`
	Detection       DetectionConfig   `yaml:"detection"`
	ShowOnDashboard bool              `yaml:"show_on_dashboard"`
}

func (c *IndicatorConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw IndicatorConfig
	r := raw{
		Detection:       DetectionConfig{Mode: DetectBrightness, Threshold: 128, OnColor: "red", RatioThreshold: 0.2},
		Perspective:     PerspectiveConfig{OutputSize: Size{400, 100}},
		ShowOnDashboard: true,
	}
	if err := value.Decode(&r); err != nil {
		return err
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	*c = IndicatorConfig(r)
	return nil
}

func (c *IndicatorConfig) validate(path string) error {
	if c.ID == "" {
		return errAt(path+".id", "indicator id is required")
	}
	if len(c.ID) > 64 {
		return errAt(path+".id", "indicator id exceeds 64 characters")
	}
	if err := c.Perspective.validate(path + ".perspective"); err != nil {
		return err
	}
	switch c.Detection.Mode {
	case DetectBrightness, DetectColor:
	default:
		return errAt(path+".detection.mode", "unknown detection mode %q", c.Detection.Mode)
	}
	if c.Detection.Threshold < 0 || c.Detection.Threshold > 255 {
		return errAt(path+".detection.threshold", "threshold must be in [0,255], got %d", c.Detection.Threshold)
	}
	if c.Detection.Mode == DetectColor {
		switch c.Detection.OnColor {
		case "red", "green", "blue", "yellow":
		default:
			return errAt(path+".detection.on_color", "unknown on_color %q", c.Detection.OnColor)
		}
		if c.Detection.RatioThreshold < 0 || c.Detection.RatioThreshold > 1 {
			return errAt(path+".detection.ratio_threshold", "ratio_threshold must be in [0,1]")
		}
	}
	return nil
}

// CameraConfig describes one RTSP source and everything read off it.
type CameraConfig struct {
	ID                 string            `yaml:"id"`
	Name               string            `yaml:"name"`
	URL                string            `yaml:"url"`
	Enabled            bool              `yaml:"enabled"`
	ProcessingInterval float64           `yaml:"processing_interval_seconds"`
	Meters             []MeterConfig     `yaml:"meters"`
	Indicators         []IndicatorConfig `yaml:"indicators"`
}

func (c *CameraConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw CameraConfig
	r := raw{Enabled: true, ProcessingInterval: 1.0}
	if err := value.Decode(&r); err != nil {
		return err
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	*c = CameraConfig(r)
	return nil
}

func (c *CameraConfig) validate(path string) error {
	if c.ID == "" {
		return errAt(path+".id", "camera id is required")
	}
	if len(c.ID) > 64 {
		return errAt(path+".id", "camera id exceeds 64 characters")
	}
	if c.URL == "" {
		return errAt(path+".url", "camera url is required")
	}
	if c.ProcessingInterval < 0.1 {
		return errAt(path+".processing_interval_seconds", "processing interval must be >= 0.1s, got %g", c.ProcessingInterval)
	}
	meterIDs := map[string]bool{}
	for i := range c.Meters {
		mp := fmt.Sprintf("%s.meters[%d]", path, i)
		if err := c.Meters[i].validate(mp); err != nil {
			return err
		}
		if meterIDs[c.Meters[i].ID] {
			return errAt(mp+".id", "duplicate meter id %q", c.Meters[i].ID)
		}
		meterIDs[c.Meters[i].ID] = true
	}
	indicatorIDs := map[string]bool{}
	for i := range c.Indicators {
		ip := fmt.Sprintf("%s.indicators[%d]", path, i)
		if err := c.Indicators[i].validate(ip); err != nil {
			return err
		}
		if indicatorIDs[c.Indicators[i].ID] {
			return errAt(ip+".id", "duplicate indicator id %q", c.Indicators[i].ID)
		}
		indicatorIDs[c.Indicators[i].ID] = true
	}
	return nil
}

// HTTPExportConfig configures the batching HTTP sink.
type HTTPExportConfig struct {
	Enabled         bool              `yaml:"enabled"`
	URL             string            `yaml:"url"`
	IntervalSeconds float64           `yaml:"interval_seconds"`
	BatchSize       int               `yaml:"batch_size"`
	Headers         map[string]string `yaml:"headers"`
	TimeoutSeconds  float64           `yaml:"timeout_seconds"`
}

// DatabaseExportConfig configures the SQL sink.
type DatabaseExportConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Type             string `yaml:"type"` // sqlite | postgresql
	Path             string `yaml:"path"`
	ConnectionString string `yaml:"connection_string"`
	RetentionDays    int    `yaml:"retention_days"`
}

// MQTTExportConfig configures the per-reading MQTT publisher.
type MQTTExportConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Broker        string `yaml:"broker"`
	Port          int    `yaml:"port"`
	TopicTemplate string `yaml:"topic_template"`
	QoS           int    `yaml:"qos"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
}

// StorageExportConfig configures the optional annotated-snapshot
// archive on S3-compatible storage.
type StorageExportConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ExportConfig groups all sink configurations.
type ExportConfig struct {
	HTTP     HTTPExportConfig     `yaml:"http"`
	Database DatabaseExportConfig `yaml:"database"`
	MQTT     MQTTExportConfig     `yaml:"mqtt"`
	Storage  StorageExportConfig  `yaml:"storage"`
}

// ServerConfig configures the REST/streaming surface and the service
// log output.
type ServerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // json | console
}

// Config is an immutable configuration snapshot. It is produced by
// Load and only ever replaced wholesale.
type Config struct {
	Cameras []CameraConfig `yaml:"cameras"`
	Export  ExportConfig   `yaml:"export"`
	Server  ServerConfig   `yaml:"server"`
}

// Default returns the snapshot used when keys are absent.
func Default() *Config {
	return &Config{
		Export: ExportConfig{
			HTTP: HTTPExportConfig{
				IntervalSeconds: 5.0,
				BatchSize:       10,
				TimeoutSeconds:  10.0,
			},
			Database: DatabaseExportConfig{
				Type:          "sqlite",
				Path:          "./readings.db",
				RetentionDays: 30,
			},
			MQTT: MQTTExportConfig{
				Broker:        "localhost",
				Port:          1883,
				TopicTemplate: "ctme/readings",
				QoS:           1,
			},
			Storage: StorageExportConfig{
				Bucket: "metereye-snapshots",
			},
		},
		Server: ServerConfig{
			Enabled:   true,
			Host:      "0.0.0.0",
			Port:      8000,
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Validate checks the whole snapshot and normalizes perspective point
// order. The first violation is returned as a *Error carrying the
// YAML path.
func (c *Config) Validate() error {
	cameraIDs := map[string]bool{}
	for i := range c.Cameras {
		path := fmt.Sprintf("cameras[%d]", i)
		cam := &c.Cameras[i]
		if err := cam.validate(path); err != nil {
			return err
		}
		if cameraIDs[cam.ID] {
			return errAt(path+".id", "duplicate camera id %q", cam.ID)
		}
		cameraIDs[cam.ID] = true
		for j := range cam.Meters {
			cam.Meters[j].Perspective.normalize()
		}
		for j := range cam.Indicators {
			cam.Indicators[j].Perspective.normalize()
		}
	}
	if c.Export.Database.Enabled {
		switch c.Export.Database.Type {
		case "sqlite", "postgresql":
		default:
			return errAt("export.database.type", "unsupported database type %q", c.Export.Database.Type)
		}
	}
	if c.Export.MQTT.Enabled {
		if c.Export.MQTT.QoS < 0 || c.Export.MQTT.QoS > 2 {
			return errAt("export.mqtt.qos", "qos must be 0, 1 or 2, got %d", c.Export.MQTT.QoS)
		}
	}
	if c.Export.HTTP.Enabled && c.Export.HTTP.URL == "" {
		return errAt("export.http.url", "url is required when http export is enabled")
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errAt("server.log_level", "unknown log level %q", c.Server.LogLevel)
	}
	switch c.Server.LogFormat {
	case "json", "console":
	default:
		return errAt("server.log_format", "unknown log format %q", c.Server.LogFormat)
	}
	return nil
}

// Camera returns the camera with the given id, or nil.
func (c *Config) Camera(id string) *CameraConfig {
	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			return &c.Cameras[i]
		}
	}
	return nil
}
