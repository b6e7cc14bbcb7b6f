package cursor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
)

const component = stackerrors.Component("cursor")

// File persists a single Token envelope in dir/name.
// The directory is created on the first Save.
type File struct {
	mu   sync.Mutex
	dir  string
	name string
}

func NewFile(dir, name string) *File {
	return &File{dir: dir, name: name}
}

// Path returns the location of the token file.
func (f *File) Path() string {
	return filepath.Join(f.dir, f.name)
}

// Load reads the persisted token. A missing file yields the zero Token.
func (f *File) Load() (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.Path())
	if os.IsNotExist(err) {
		return Token{}, nil
	}
	if err != nil {
		return Token{}, stackerrors.E(stackerrors.OpLoadToken, component, stackerrors.KindStorage, err)
	}

	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, stackerrors.E(stackerrors.OpLoadToken, component, stackerrors.KindStorage,
			fmt.Errorf("decode %s: %w", f.Path(), err))
	}
	return t, nil
}

// Save writes t through a temporary file and a rename so a crash leaves either
// the old or the new token, never a torn one.
func (f *File) Save(t Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(t)
	if err != nil {
		return stackerrors.E(stackerrors.OpPersistToken, component, stackerrors.KindInternal, err)
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return stackerrors.E(stackerrors.OpPersistToken, component, stackerrors.KindStorage, err)
	}

	tmp, err := os.CreateTemp(f.dir, "."+f.name+".*")
	if err != nil {
		return stackerrors.E(stackerrors.OpPersistToken, component, stackerrors.KindStorage, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return stackerrors.E(stackerrors.OpPersistToken, component, stackerrors.KindStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return stackerrors.E(stackerrors.OpPersistToken, component, stackerrors.KindStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return stackerrors.E(stackerrors.OpPersistToken, component, stackerrors.KindStorage, err)
	}
	if err := os.Rename(tmp.Name(), f.Path()); err != nil {
		return stackerrors.E(stackerrors.OpPersistToken, component, stackerrors.KindStorage, err)
	}
	return nil
}
