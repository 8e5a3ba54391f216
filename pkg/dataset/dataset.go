// Package dataset registers annotated image sets for a single training or testing run.
package dataset

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cyclopcam/detectorlab/pkg/coco"
	"github.com/cyclopcam/detectorlab/pkg/nn"
)

// Record is one image of a dataset, with its ground truth objects
type Record struct {
	ImageID  int64                `json:"imageID"`
	FileName string               `json:"fileName"` // Absolute (or ImageRoot-relative, if ImageRoot is relative) path
	Width    int                  `json:"width"`
	Height   int                  `json:"height"`
	Objects  []nn.ObjectDetection `json:"objects"`
	Crowd    []nn.ObjectDetection `json:"crowd,omitempty"` // iscrowd regions. Detections inside them are neither rewarded nor penalized.
}

// Dataset is an annotation file joined with the directory holding its images
type Dataset struct {
	Name           string   `json:"name"`
	ImageRoot      string   `json:"imageRoot"`
	AnnotationPath string   `json:"annotationPath"`
	Classes        []string `json:"classes"`
	Records        []Record `json:"records"`
}

// Registry is a named catalog of datasets.
// Create one per training or testing run, rather than sharing one across the process.
type Registry struct {
	lock     sync.Mutex
	datasets map[string]*Dataset
}

func NewRegistry() *Registry {
	return &Registry{
		datasets: map[string]*Dataset{},
	}
}

// Register loads the annotation file and adds the dataset under 'name'.
// An existing dataset of the same name is replaced.
func (r *Registry) Register(name, imageRoot, annotationPath string) (*Dataset, error) {
	ds, err := Load(name, imageRoot, annotationPath)
	if err != nil {
		return nil, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.datasets[name] = ds
	return ds, nil
}

// Unregister removes a dataset. It is not an error if the dataset does not exist.
func (r *Registry) Unregister(name string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.datasets, name)
}

// Get returns the dataset, or nil if no such dataset is registered
func (r *Registry) Get(name string) *Dataset {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.datasets[name]
}

func (r *Registry) Names() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	names := make([]string, 0, len(r.datasets))
	for n := range r.datasets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load builds a Dataset from a COCO annotation file, without registering it anywhere.
func Load(name, imageRoot, annotationPath string) (*Dataset, error) {
	f, err := coco.Load(annotationPath)
	if err != nil {
		return nil, err
	}
	catIndex := f.CategoryIndex()
	ds := &Dataset{
		Name:           name,
		ImageRoot:      imageRoot,
		AnnotationPath: annotationPath,
		Classes:        f.ThingClasses(),
	}

	imageToRecord := map[int64]int{}
	for _, img := range f.Images {
		if _, dup := imageToRecord[img.ID]; dup {
			return nil, fmt.Errorf("Duplicate image id %v in %v", img.ID, annotationPath)
		}
		imageToRecord[img.ID] = len(ds.Records)
		ds.Records = append(ds.Records, Record{
			ImageID:  img.ID,
			FileName: imagePath(imageRoot, img.FileName),
			Width:    img.Width,
			Height:   img.Height,
		})
	}

	for _, a := range f.Annotations {
		iRecord, ok := imageToRecord[a.ImageID]
		if !ok {
			return nil, fmt.Errorf("Annotation %v refers to unknown image %v", a.ID, a.ImageID)
		}
		box, ok := nn.MakeRect(a.BBox)
		if !ok {
			return nil, fmt.Errorf("Annotation %v has an invalid bbox %v", a.ID, a.BBox)
		}
		class, ok := catIndex[a.CategoryID]
		if !ok {
			// Reserved or undeclared category
			continue
		}
		obj := nn.ObjectDetection{
			Class:      class,
			Confidence: 1,
			Box:        box,
		}
		rec := &ds.Records[iRecord]
		if a.IsCrowd != 0 {
			rec.Crowd = append(rec.Crowd, obj)
		} else {
			rec.Objects = append(rec.Objects, obj)
		}
	}
	return ds, nil
}

// Absolute file names in the annotation file are used as they are
func imagePath(imageRoot, fileName string) string {
	if filepath.IsAbs(fileName) {
		return fileName
	}
	return filepath.Join(imageRoot, fileName)
}
