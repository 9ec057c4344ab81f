package storage

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/jamlabs/go-jamroom/internal/config"
)

const dialTimeout = 15 * time.Second

// SFTPStore talks to the music server's storage volume over SFTP. A
// fresh connection is dialed per operation and closed when the
// operation completes, mirroring how the storage host meters idle
// sessions.
type SFTPStore struct {
	cfg config.SFTPConfig
}

func NewSFTPStore(cfg config.SFTPConfig) *SFTPStore {
	return &SFTPStore{cfg: cfg}
}

func (s *SFTPStore) connect() (*sftp.Client, io.Closer, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	sshCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(s.cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("sftp client: %w", err)
	}

	return client, conn, nil
}

func (s *SFTPStore) fullPath(p string) string {
	return path.Join(s.cfg.BasePath, p)
}

func (s *SFTPStore) Put(p string, r io.Reader) (int64, error) {
	client, conn, err := s.connect()
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	defer client.Close()

	remote := s.fullPath(p)
	if err := client.MkdirAll(path.Dir(remote)); err != nil {
		return 0, fmt.Errorf("mkdir %s: %w", path.Dir(remote), err)
	}

	f, err := client.Create(remote)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", remote, err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// Leave no partial file behind.
		_ = client.Remove(remote)
		return n, fmt.Errorf("write %s: %w", remote, err)
	}

	return n, nil
}

func (s *SFTPStore) Get(p string) ([]byte, error) {
	client, conn, err := s.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	defer client.Close()

	f, err := client.Open(s.fullPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	return io.ReadAll(f)
}

func (s *SFTPStore) Delete(p string) error {
	client, conn, err := s.connect()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer client.Close()

	if err := client.Remove(s.fullPath(p)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

func (s *SFTPStore) Exists(p string) (bool, error) {
	client, conn, err := s.connect()
	if err != nil {
		return false, err
	}
	defer conn.Close()
	defer client.Close()

	if _, err := client.Stat(s.fullPath(p)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return true, nil
}
