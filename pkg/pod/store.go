package pod

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"
)

// Store keeps the state in a TOML file
type Store struct {
	mtx      sync.Mutex
	filename string
}

func NewStore(filename string) *Store {
	return &Store{filename: filename}
}

func (s *Store) Filename() string {
	return s.filename
}

// Load returns fs.ErrNotExist (wrapped) when there is no state yet
func (s *Store) Load() (*State, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	data, err := os.ReadFile(s.filename)
	if err != nil {
		return nil, err
	}
	var ret State
	if err := toml.Unmarshal(data, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

// Save replaces the file atomically
func (s *Store) Save(state State) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	log.Debugf("Saving state to file: %s", s.filename)
	data, err := toml.Marshal(state)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.filename), filepath.Base(s.filename)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.filename)
}

func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
