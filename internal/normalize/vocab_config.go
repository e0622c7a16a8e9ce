package normalize

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/rosterd/internal/models"
)

// vocabFile is the on-disk shape of vocab.yaml: lists of extra words per
// canonical status, merged on top of defaultVocabulary by SetVocabulary.
type vocabFile struct {
	Active   []string `yaml:"active"`
	Inactive []string `yaml:"inactive"`
	Left     []string `yaml:"left"`
}

func (f vocabFile) toMap() map[models.Status][]string {
	return map[models.Status][]string{
		models.StatusActive:   f.Active,
		models.StatusInactive: f.Inactive,
		models.StatusLeft:     f.Left,
	}
}

func loadVocabFile(path string) (vocabFile, error) {
	var f vocabFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read vocab file: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse vocab file: %w", err)
	}
	return f, nil
}

// WatchVocabFile loads path into n immediately, then watches it for writes
// and reloads on every change, logging failures without tearing anything
// down so a bad edit to vocab.yaml never takes the status normalizer
// offline. The returned watcher must be closed by the caller on shutdown.
func WatchVocabFile(n *Normalizer, path string, log zerolog.Logger) (*fsnotify.Watcher, error) {
	f, err := loadVocabFile(path)
	if err != nil {
		return nil, err
	}
	n.SetVocabulary(f.toMap())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create vocab watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch vocab dir: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloaded, err := loadVocabFile(path)
				if err != nil {
					log.Warn().Err(err).Str("path", path).Msg("vocab reload failed, keeping previous vocabulary")
					continue
				}
				n.SetVocabulary(reloaded.toMap())
				log.Info().Str("path", path).Msg("vocab reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("vocab watcher error")
			}
		}
	}()

	return watcher, nil
}
