package models

import "time"

// FrameRef points at one frame of a session's source video. Pixel data is
// never stored here; it is re-decoded on demand.
type FrameRef struct {
	Index     int     `json:"frame_number"`
	Timestamp float64 `json:"timestamp"`
}

// NewFrameRef derives the timestamp from the nominal frame rate.
func NewFrameRef(index int, fps float64) FrameRef {
	ts := 0.0
	if fps > 0 {
		ts = float64(index) / fps
	}
	return FrameRef{Index: index, Timestamp: ts}
}

// DetectionParams are fixed for the duration of one run.
type DetectionParams struct {
	Threshold   float64 `json:"threshold"`
	MinInterval int     `json:"min_interval"`
	Stride      int     `json:"frame_skip"`

	// Post-extraction duplicate removal. Detection itself ignores these.
	RemoveDuplicates  bool `json:"remove_duplicates"`
	DuplicateDistance int  `json:"duplicate_distance"`
}

type Stage string

const (
	StageIdle                 Stage = "idle"
	StageStarting             Stage = "starting"
	StageInitializing         Stage = "initializing"
	StageExtracting           Stage = "extracting"
	StageRemovingDuplicates   Stage = "removing_duplicates"
	StageGeneratingThumbnails Stage = "generating_thumbnails"
	StageCompleted            Stage = "completed"
	StageStopped              Stage = "stopped"
	StageError                Stage = "error"
)

// Terminal reports whether no further transitions follow this stage.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageStopped || s == StageError
}

// Progress is the per-session snapshot published by a run and read by pollers.
type Progress struct {
	Stage              Stage   `json:"stage"`
	CurrentFrame       int     `json:"current_frame"`
	TotalFrames        int     `json:"total_frames"`
	Percentage         float64 `json:"percentage"`
	FramesProcessed    int     `json:"frames_processed"`
	FramesDetected     int     `json:"frames_detected"`
	FPS                float64 `json:"fps"`
	VideoDuration      float64 `json:"video_duration"`
	ElapsedTime        float64 `json:"elapsed_time"`
	EstimatedRemaining float64 `json:"estimated_remaining"`
	ProcessingSpeed    float64 `json:"processing_speed"`
	FrameSkip          int     `json:"frame_skip"`
	Scorer             string  `json:"scorer,omitempty"`
	Error              *string `json:"error"`
	Message            string  `json:"message,omitempty"`
	Stopped            bool    `json:"stopped"`
	Completed          bool    `json:"completed"`
	StopRequested      bool    `json:"stop_requested"`
}

// Thumbnail is a detected frame ready for display in the browser.
type Thumbnail struct {
	FrameNumber int     `json:"frame_number"`
	Timestamp   float64 `json:"timestamp"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Thumbnail   string  `json:"thumbnail"`
}

type SessionInfo struct {
	ID        string    `json:"session_id"`
	Filename  string    `json:"filename"`
	FilePath  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

type RunHistoryEntry struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	Filename       string    `json:"filename"`
	Threshold      float64   `json:"threshold"`
	MinInterval    int       `json:"min_interval"`
	FrameSkip      int       `json:"frame_skip"`
	Scorer         string    `json:"scorer"`
	Stage          Stage     `json:"stage"`
	FramesDetected int       `json:"frames_detected"`
	DetectedFrames []int     `json:"detected_frames"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// API request/response types

type UploadResponse struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
}

type ProcessRequest struct {
	SessionID   string   `json:"session_id"`
	Threshold   *float64 `json:"threshold"`
	MinInterval *int     `json:"min_interval"`
	FrameSkip   *int     `json:"frame_skip"`
}

type SessionRequest struct {
	SessionID string `json:"session_id"`
}

type ProgressResponse struct {
	Progress   Progress    `json:"progress"`
	Frames     []Thumbnail `json:"frames,omitempty"`
	FrameCount int         `json:"frame_count,omitempty"`
}

type FramesResponse struct {
	FrameCount int         `json:"frame_count"`
	Frames     []Thumbnail `json:"frames"`
}

type GenerateRequest struct {
	SessionID       string `json:"session_id"`
	SelectedIndices []int  `json:"selected_indices"`
}

type GenerateResponse struct {
	Success    bool   `json:"success"`
	SlideCount int    `json:"slide_count"`
	SessionID  string `json:"session_id"`
}

type SettingsResponse struct {
	Settings map[string]any `json:"settings"`
	Defaults map[string]any `json:"defaults"`
}

type SettingsUpdateRequest struct {
	Settings map[string]any `json:"settings"`
}
