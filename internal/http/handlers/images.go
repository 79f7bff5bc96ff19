package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/robmcdonald5/vec2art-sub009/internal/imageinfo"
)

// UploadImage stages a raw image body for later job submission.
func (a *App) UploadImage(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, a.MaxUploadBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			a.fail(w, r, fmt.Errorf("%w: body exceeds %d bytes", imageinfo.ErrImageTooLarge, tooBig.Limit))
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", "could not read body")
		return
	}
	up, err := a.Staging.Put(data)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, up)
}
