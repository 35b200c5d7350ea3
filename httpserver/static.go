package httpserver

import (
	"net/http"
	"path"
)

const staticParam = "filepath"

// staticDir serves files below root. Path traversal is prevented by
// http.Dir.
type staticDir struct {
	fs   http.FileSystem
	root string
}

// serve writes the file named by rel, reporting false if there is none.
// Directories serve their index.html.
func (d *staticDir) serve(w http.ResponseWriter, r *http.Request, rel string) bool {
	name := path.Clean("/" + rel)
	f, err := d.fs.Open(name)
	if err != nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return false
	}
	if info.IsDir() {
		_ = f.Close()
		if f, err = d.fs.Open(path.Join(name, "index.html")); err != nil {
			return false
		}
		if info, err = f.Stat(); err != nil || info.IsDir() {
			_ = f.Close()
			return false
		}
	}
	defer f.Close()
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}
