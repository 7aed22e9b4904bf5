package model

const (
	LayoutNHWC = "NHWC"
	LayoutNCHW = "NCHW"
)

// DefaultClasses is the label order the rice leaf model was trained with.
var DefaultClasses = []string{"Bacterial Blight", "Blast", "Brown Spot", "Tungro"}

type Metadata struct {
	Classes     []string `json:"classes"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	Layout      string   `json:"layout"`
	OutputShape []int64  `json:"output_shape"`
}

type ClassificationResult struct {
	Label      string    `json:"result"`
	Index      int       `json:"index"`
	Confidence float64   `json:"confidence"`
	Probs      []float64 `json:"probs"`
}

type PredictionResponse struct {
	ClassificationResult
	ImageURL string `json:"image_url"`
}
