package nn

// ImageLabels holds the objects found (or annotated) in a single image
type ImageLabels struct {
	Image   string            `json:"image"`
	Objects []ObjectDetection `json:"objects"`
}

// ObjectDetection is an object that a neural network has found in an image.
// Class is an index into the detector's class list (animal_names).
type ObjectDetection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}
