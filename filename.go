package gotq

import (
	"mime"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
)

// DefaultFileName is used when nothing better can be derived from a URL.
const DefaultFileName = "gotq.output"

// GetFilename returns the default file name of a URL.
func GetFilename(URL string) string {

	if u, err := url.Parse(URL); err == nil && filepath.Ext(u.Path) != "" {

		return filepath.Base(u.Path)
	}

	return DefaultFileName
}

// getNameFromHeader returns the file name of a Content-Disposition header,
// or "" when it is missing or tries to leave the current directory.
func getNameFromHeader(val string) string {

	_, params, err := mime.ParseMediaType(val)

	if err != nil {
		return ""
	}

	name := params["filename"]

	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return ""
	}

	return name
}

// SafeJoin joins a server supplied relative path to base, refusing absolute
// paths and anything escaping base.
func SafeJoin(base, name string) (string, error) {

	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", errors.NotValidf("path %q", name)
	}

	clean := filepath.Clean(filepath.FromSlash(name))

	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.NotValidf("path %q", name)
	}

	return filepath.Join(base, clean), nil
}
