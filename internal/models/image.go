package models

import "time"

type ImageStatus string

const (
	ImageStatusQueued     ImageStatus = "QUEUED"
	ImageStatusProcessing ImageStatus = "PROCESSING"
	ImageStatusCompleted  ImageStatus = "COMPLETED"
	ImageStatusFailed     ImageStatus = "FAILED"
)

// Terminal reports whether the detection cycle for the image has ended.
func (s ImageStatus) Terminal() bool {
	return s == ImageStatusCompleted || s == ImageStatusFailed
}

type DetectedLabel string

const (
	LabelAIGenerated DetectedLabel = "AI_GENERATED"
	LabelOriginal    DetectedLabel = "ORIGINAL"
)

type Image struct {
	ID          string
	ContentHash string
	SourceURL   string
	Filename    string
	MimeType    string
	SizeBytes   int64
	Status      ImageStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type DetectionReport struct {
	ImageID       string
	AIProbability float64
	DetectedLabel DetectedLabel
	ModelName     string
	HeatmapRef    *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type TamperFinding struct {
	ID              string
	ImageID         string
	MaskRef         *string
	EditedAreaRatio float64
	EditedPixels    int64
	CreatedAt       time.Time
}

// ImageDetails is an image together with its detection output.
type ImageDetails struct {
	Image          Image
	Report         *DetectionReport
	TamperFindings []TamperFinding
}
