// Package ota initiates firmware image replacement from a URL. It owns no
// mesh logic; the update command delegates here and relays the status.
package ota

import (
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"meshnode/command"
)

// ApplyFunc consumes a fetched firmware image. The default implementation
// discards it after logging; device integrations replace it with the actual
// image writer.
type ApplyFunc func(r io.Reader, length int64) error

type Updater struct {
	client *http.Client
	apply  ApplyFunc
}

func NewUpdater(apply ApplyFunc) *Updater {
	if apply == nil {
		apply = func(r io.Reader, length int64) error {
			n, err := io.Copy(io.Discard, r)
			if err != nil {
				return err
			}
			log.Infof("ota: discarded %d byte image (no apply hook installed)", n)
			return nil
		}
	}
	return &Updater{
		client: &http.Client{Timeout: 30 * time.Second},
		apply:  apply,
	}
}

// Initiate fetches the image at url and hands it to the apply hook.
// The returned status is one of initiated, no_update, or failed.
func (u *Updater) Initiate(url string) command.Response {
	resp, err := u.client.Get(url)
	if err != nil {
		log.Errorf("ota: fetch %s: %v", url, err)
		return command.Response{"status": command.StatusFailed, "error": err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return command.Response{"status": command.StatusNoUpdate}
	case resp.StatusCode != http.StatusOK:
		log.Errorf("ota: fetch %s: http %d", url, resp.StatusCode)
		return command.Response{"status": command.StatusFailed, "error": resp.Status}
	}

	if err := u.apply(resp.Body, resp.ContentLength); err != nil {
		log.Errorf("ota: apply image from %s: %v", url, err)
		return command.Response{"status": command.StatusFailed, "error": err.Error()}
	}

	log.Infof("ota: update initiated from %s", url)
	return command.Response{"status": command.StatusInitiated, "url": url}
}
