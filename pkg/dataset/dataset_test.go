package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const annotations = `{
	"images": [
		{"id": 10, "file_name": "one.jpg", "width": 100, "height": 80},
		{"id": 11, "file_name": "two.jpg", "width": 100, "height": 80}
	],
	"annotations": [
		{"id": 1, "image_id": 10, "category_id": 2, "bbox": [10, 10, 20, 20], "iscrowd": 0},
		{"id": 2, "image_id": 10, "category_id": 0, "bbox": [0, 0, 5, 5], "iscrowd": 0},
		{"id": 3, "image_id": 11, "category_id": 1, "bbox": [30, 30, 10, 10], "iscrowd": 0},
		{"id": 4, "image_id": 11, "category_id": 1, "bbox": [50, 50, 10, 10], "iscrowd": 1}
	],
	"categories": [{"id": 0, "name": "animals"}, {"id": 1, "name": "mouse"}, {"id": 2, "name": "fly"}]
}`

func writeAnnotations(t *testing.T, content string) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), "ann.json")
	require.NoError(t, os.WriteFile(fn, []byte(content), 0644))
	return fn
}

func TestLoad(t *testing.T) {
	ds, err := Load("x", "/images", writeAnnotations(t, annotations))
	require.NoError(t, err)
	require.Equal(t, []string{"mouse", "fly"}, ds.Classes)
	require.Len(t, ds.Records, 2)

	require.Equal(t, filepath.Join("/images", "one.jpg"), ds.Records[0].FileName)
	// The reserved category annotation is dropped
	require.Len(t, ds.Records[0].Objects, 1)
	require.Equal(t, 1, ds.Records[0].Objects[0].Class)

	require.Len(t, ds.Records[1].Objects, 1)
	require.Equal(t, 0, ds.Records[1].Objects[0].Class)
	require.Len(t, ds.Records[1].Crowd, 1)
}

func TestAbsoluteFileName(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "elsewhere", "two.jpg")
	content := fmt.Sprintf(`{
		"images": [{"id": 1, "file_name": "one.jpg"}, {"id": 2, "file_name": %q}],
		"annotations": [],
		"categories": [{"id": 1, "name": "mouse"}]
	}`, abs)
	ds, err := Load("x", "/images", writeAnnotations(t, content))
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/images", "one.jpg"), ds.Records[0].FileName)
	require.Equal(t, abs, ds.Records[1].FileName)
}

func TestRegistryReplace(t *testing.T) {
	ann := writeAnnotations(t, annotations)
	r := NewRegistry()
	first, err := r.Register("train", "/a", ann)
	require.NoError(t, err)
	require.Same(t, first, r.Get("train"))

	second, err := r.Register("train", "/b", ann)
	require.NoError(t, err)
	require.Same(t, second, r.Get("train"))
	require.Equal(t, "/b", r.Get("train").ImageRoot)
	require.Equal(t, []string{"train"}, r.Names())

	r.Unregister("train")
	require.Nil(t, r.Get("train"))
	r.Unregister("train")
}

func TestRegistriesAreIndependent(t *testing.T) {
	ann := writeAnnotations(t, annotations)
	a := NewRegistry()
	b := NewRegistry()
	_, err := a.Register("test", "/a", ann)
	require.NoError(t, err)
	require.Nil(t, b.Get("test"))
}

func TestBadAnnotations(t *testing.T) {
	_, err := Load("x", "/", writeAnnotations(t, `{"images": [], "annotations": [{"id": 1, "image_id": 5, "category_id": 1, "bbox": [0,0,1,1]}], "categories": []}`))
	require.Error(t, err)

	_, err = Load("x", "/", writeAnnotations(t, `{"images": [{"id": 5, "file_name": "a.jpg"}], "annotations": [{"id": 1, "image_id": 5, "category_id": 1, "bbox": [0,0,1]}], "categories": []}`))
	require.Error(t, err)

	_, err = Load("x", "/", writeAnnotations(t, `{"images": [{"id": 5, "file_name": "a.jpg"}, {"id": 5, "file_name": "b.jpg"}], "annotations": [], "categories": []}`))
	require.Error(t, err)
}
