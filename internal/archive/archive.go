package archive

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FormatVersion is the current archive format version.
const FormatVersion = 1

var magic = []byte("GRVARC01")

// Archive errors.
var (
	ErrNotArchive         = errors.New("archive: not a grove archive")
	ErrPassphraseRequired = errors.New("archive: archive is encrypted, passphrase required")
	ErrBadPassphrase      = errors.New("archive: decryption failed, wrong passphrase or corrupted data")
)

// SourceInfo records where an archive came from.
type SourceInfo struct {
	ID             uint64 `json:"id"`
	Description    string `json:"description,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	PkgFingerprint uint64 `json:"pkg_fingerprint"`
}

// Header is the archive's plaintext preamble. Salt is empty for
// unencrypted archives.
type Header struct {
	Version int        `json:"version"`
	Cipher  string     `json:"cipher,omitempty"`
	Salt    []byte     `json:"salt,omitempty"`
	Source  SourceInfo `json:"source"`
}

// Encrypted reports whether the payload is sealed.
func (h Header) Encrypted() bool {
	return h.Cipher != ""
}

// Options control export.
type Options struct {
	// Passphrase enables encryption when non-empty.
	Passphrase []byte

	// Cipher overrides the arch-selected AEAD. Only meaningful with a
	// passphrase.
	Cipher string
}

// Export tars the content under root into a grove archive at path.
// Writes are temp-file + rename so a failed export never leaves a
// truncated archive behind.
func Export(path, root string, src SourceInfo, opts Options) error {
	payload, err := tarTree(root)
	if err != nil {
		return err
	}

	hdr := Header{Version: FormatVersion, Source: src}
	if len(opts.Passphrase) > 0 {
		hdr.Cipher = opts.Cipher
		if hdr.Cipher == "" {
			hdr.Cipher = defaultCipher()
		}
		key, salt, err := deriveKey(opts.Passphrase, nil)
		if err != nil {
			return err
		}
		defer zeroKey(key)
		hdr.Salt = salt

		aead, err := newAEAD(hdr.Cipher, key)
		if err != nil {
			return err
		}
		headerJSON, err := json.Marshal(hdr)
		if err != nil {
			return fmt.Errorf("archive: encode header: %w", err)
		}
		sealed, err := seal(aead, payload, headerJSON)
		if err != nil {
			return err
		}
		return writeArchive(path, headerJSON, sealed)
	}

	headerJSON, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("archive: encode header: %w", err)
	}
	return writeArchive(path, headerJSON, payload)
}

// Import verifies and unpacks the archive at path into destRoot, which
// must be an empty directory. It returns the archive header so the
// caller can seed the new node's metadata.
func Import(path, destRoot string, passphrase []byte) (Header, error) {
	hdr, headerJSON, payload, err := readArchive(path)
	if err != nil {
		return Header{}, err
	}

	if hdr.Encrypted() {
		if len(passphrase) == 0 {
			return Header{}, ErrPassphraseRequired
		}
		key, _, err := deriveKey(passphrase, hdr.Salt)
		if err != nil {
			return Header{}, err
		}
		defer zeroKey(key)

		aead, err := newAEAD(hdr.Cipher, key)
		if err != nil {
			return Header{}, err
		}
		payload, err = open(aead, payload, headerJSON)
		if err != nil {
			return Header{}, ErrBadPassphrase
		}
	}

	if err := untarTree(destRoot, payload); err != nil {
		return Header{}, err
	}
	return hdr, nil
}

// ReadHeader returns the archive header without touching the payload.
func ReadHeader(path string) (Header, error) {
	hdr, _, _, err := readArchive(path)
	return hdr, err
}

func writeArchive(path string, headerJSON, payload []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("archive: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(headerJSON)))
	for _, chunk := range [][]byte{magic, lenBuf[:], headerJSON, payload} {
		if _, err := tmp.Write(chunk); err != nil {
			tmp.Close()
			return fmt.Errorf("archive: write: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("archive: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("archive: rename: %w", err)
	}
	return nil
}

func readArchive(path string) (Header, []byte, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, nil, fmt.Errorf("archive: read: %w", err)
	}
	if len(data) < len(magic)+4 || !bytes.Equal(data[:len(magic)], magic) {
		return Header{}, nil, nil, ErrNotArchive
	}
	data = data[len(magic):]

	headerLen := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < headerLen {
		return Header{}, nil, nil, ErrNotArchive
	}
	headerJSON, payload := data[:headerLen], data[headerLen:]

	var hdr Header
	if err := json.Unmarshal(headerJSON, &hdr); err != nil {
		return Header{}, nil, nil, ErrNotArchive
	}
	if hdr.Version != FormatVersion {
		return Header{}, nil, nil, fmt.Errorf("archive: unsupported format version %d", hdr.Version)
	}
	return hdr, headerJSON, payload, nil
}

// tarTree serializes the tree under root. Regular files, directories and
// symlinks are carried; ownership is preserved numerically.
func tarTree(root string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			// Devices, sockets and pipes do not travel.
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: tar: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("archive: tar close: %w", err)
	}
	return buf.Bytes(), nil
}

// untarTree unpacks a payload under destRoot, rejecting entries that
// escape it.
func untarTree(destRoot string, payload []byte) error {
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return fmt.Errorf("archive: mkdir dest: %w", err)
	}
	tr := tar.NewReader(bytes.NewReader(payload))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: untar: %w", err)
		}

		name := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("archive: entry %q escapes destination", hdr.Name)
		}
		target := filepath.Join(destRoot, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("archive: untar mkdir: %w", err)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("archive: untar symlink: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("archive: untar mkdir: %w", err)
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("archive: untar create: %w", err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("archive: untar write: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("archive: untar close: %w", err)
			}
		default:
			// Other entry types are skipped on import too.
		}
	}
}
