package services

import (
	"database/sql"
	"fmt"
	"strconv"
	"sync"

	"github.com/vid2slides/backend/config"
	"github.com/vid2slides/backend/models"
)

// Setting keys that feed the parameters of new runs.
const (
	SettingThreshold        = "detection.threshold"
	SettingMinFrameInterval = "detection.min_frame_interval"
	SettingFrameSkip        = "detection.frame_skip"
	SettingDedupEnabled     = "detection.dedup_enabled"
	SettingDedupPHashThresh = "detection.dedup_phash_threshold"
	SettingRetentionHours   = "sessions.retention_hours"
)

type settingKind int

const (
	kindFloat settingKind = iota
	kindInt
	kindBool
)

// setting describes one tunable. Values are kept in their typed form; the
// database stores the text encoding.
type setting struct {
	kind     settingKind
	def      any
	min, max float64
}

func detectionSettings(cfg *config.AppConfig) map[string]setting {
	return map[string]setting{
		SettingThreshold:        {kind: kindFloat, def: cfg.Detection.Threshold, min: 0, max: 1},
		SettingMinFrameInterval: {kind: kindInt, def: cfg.Detection.MinFrameInterval, min: 0, max: 100000},
		SettingFrameSkip:        {kind: kindInt, def: cfg.Detection.FrameSkip, min: 1, max: 1000},
		SettingDedupEnabled:     {kind: kindBool, def: cfg.Detection.DedupEnabled},
		SettingDedupPHashThresh: {kind: kindInt, def: cfg.Detection.DedupPHashThreshold, min: 0, max: 64},
		SettingRetentionHours:   {kind: kindInt, def: cfg.Sessions.RetentionHours, min: 1, max: 24 * 30},
	}
}

// coerce converts a JSON-decoded or textual value to the setting's type and
// checks its range.
func (d setting) coerce(value any) (any, error) {
	switch d.kind {
	case kindFloat:
		var v float64
		switch x := value.(type) {
		case float64:
			v = x
		case int:
			v = float64(x)
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, fmt.Errorf("expected a number: %w", err)
			}
			v = f
		default:
			return nil, fmt.Errorf("expected a number, got %T", value)
		}
		if v < d.min || v > d.max {
			return nil, fmt.Errorf("must be between %g and %g", d.min, d.max)
		}
		return v, nil

	case kindInt:
		var v int
		switch x := value.(type) {
		case float64:
			if x != float64(int(x)) {
				return nil, fmt.Errorf("expected an integer, got %g", x)
			}
			v = int(x)
		case int:
			v = x
		case string:
			n, err := strconv.Atoi(x)
			if err != nil {
				return nil, fmt.Errorf("expected an integer: %w", err)
			}
			v = n
		default:
			return nil, fmt.Errorf("expected an integer, got %T", value)
		}
		if float64(v) < d.min || float64(v) > d.max {
			return nil, fmt.Errorf("must be between %d and %d", int(d.min), int(d.max))
		}
		return v, nil

	case kindBool:
		switch x := value.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil, fmt.Errorf("expected a boolean: %w", err)
			}
			return b, nil
		case float64:
			return x != 0, nil
		}
		return nil, fmt.Errorf("expected a boolean, got %T", value)
	}
	return nil, fmt.Errorf("unsupported setting kind %d", d.kind)
}

func encodeSetting(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

// SettingsService holds the runtime-tunable detection defaults. Values are
// persisted in the settings table and survive restarts; anything never set
// falls back to the loaded config.
type SettingsService struct {
	db   *sql.DB
	defs map[string]setting

	mu     sync.RWMutex
	values map[string]any
}

func NewSettingsService(db *sql.DB, cfg *config.AppConfig) *SettingsService {
	s := &SettingsService{
		db:     db,
		defs:   detectionSettings(cfg),
		values: make(map[string]any),
	}
	for key, d := range s.defs {
		s.values[key] = d.def
	}
	s.load()
	return s
}

// load overlays persisted values. Rows for unknown keys or with values that no
// longer validate are ignored.
func (s *SettingsService) load() {
	rows, err := s.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			continue
		}
		d, ok := s.defs[key]
		if !ok {
			continue
		}
		if v, err := d.coerce(raw); err == nil {
			s.values[key] = v
		}
	}
}

// DetectionParams builds the parameters for a new run from the current
// settings.
func (s *SettingsService) DetectionParams() models.DetectionParams {
	return models.DetectionParams{
		Threshold:         s.GetFloat64(SettingThreshold),
		MinInterval:       s.GetInt(SettingMinFrameInterval),
		Stride:            s.GetInt(SettingFrameSkip),
		RemoveDuplicates:  s.GetBool(SettingDedupEnabled),
		DuplicateDistance: s.GetInt(SettingDedupPHashThresh),
	}
}

func (s *SettingsService) value(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

func (s *SettingsService) GetFloat64(key string) float64 {
	v, _ := s.value(key).(float64)
	return v
}

func (s *SettingsService) GetInt(key string) int {
	v, _ := s.value(key).(int)
	return v
}

func (s *SettingsService) GetBool(key string) bool {
	v, _ := s.value(key).(bool)
	return v
}

// Set validates and persists a single setting.
func (s *SettingsService) Set(key string, value any) error {
	d, ok := s.defs[key]
	if !ok {
		return fmt.Errorf("unknown setting: %s", key)
	}
	v, err := d.coerce(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, encodeSetting(v),
	)
	if err != nil {
		return fmt.Errorf("saving setting %s: %w", key, err)
	}

	s.mu.Lock()
	s.values[key] = v
	s.mu.Unlock()
	return nil
}

// All returns the current value of every setting.
func (s *SettingsService) All() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *SettingsService) Defaults() map[string]any {
	out := make(map[string]any, len(s.defs))
	for k, d := range s.defs {
		out[k] = d.def
	}
	return out
}
