// Package coco reads COCO-style annotation files, such as those exported by Roboflow or CVAT.
package coco

import (
	"encoding/json"
	"fmt"
	"os"
)

// Category id 0 (or any id <= 0) is a reserved default category, which some labelling
// tools emit as a parent of the real categories. It is never a class of a detector.
const ReservedCategoryID = 0

type Category struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory,omitempty"`
}

type Image struct {
	ID       int64  `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type Annotation struct {
	ID         int64     `json:"id"`
	ImageID    int64     `json:"image_id"`
	CategoryID int       `json:"category_id"`
	BBox       []float64 `json:"bbox"` // x, y, width, height
	Area       float64   `json:"area"`
	IsCrowd    int       `json:"iscrowd"`
}

// File is the parsed content of an annotation file
type File struct {
	Images      []Image      `json:"images"`
	Annotations []Annotation `json:"annotations"`
	Categories  []Category   `json:"categories"`
}

// Load parses a COCO annotation file.
// If the file does not exist, the returned error satisfies errors.Is(err, fs.ErrNotExist).
func Load(filename string) (*File, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	f := &File{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("Error parsing annotation file %v: %w", filename, err)
	}
	return f, nil
}

// ClassNames returns the names of the categories in the annotation file, excluding the reserved category.
func ClassNames(filename string) ([]string, error) {
	f, err := Load(filename)
	if err != nil {
		return nil, err
	}
	return f.ThingClasses(), nil
}

// ThingClasses returns the category names with id > 0, in the order that they appear in the file.
func (f *File) ThingClasses() []string {
	names, _ := f.enumerate()
	return names
}

// CategoryIndex maps category id to an index into ThingClasses().
func (f *File) CategoryIndex() map[int]int {
	_, index := f.enumerate()
	return index
}

// Both the class list and the id->index map come from this one pass, so they always agree.
// A repeated category id keeps its first name.
func (f *File) enumerate() ([]string, map[int]int) {
	names := []string{}
	index := map[int]int{}
	for _, c := range f.Categories {
		if c.ID <= ReservedCategoryID {
			continue
		}
		if _, dup := index[c.ID]; dup {
			continue
		}
		index[c.ID] = len(names)
		names = append(names, c.Name)
	}
	return names, index
}
