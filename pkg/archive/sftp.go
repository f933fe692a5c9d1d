package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/provisioner/pkg/config"
)

const sftpDialTimeout = 30 * time.Second

// SFTPArchiver keeps backups in a directory on a remote host.
type SFTPArchiver struct {
	client *sftp.Client
	conn   io.Closer
	dir    string
	logger zerolog.Logger
}

// DialSFTP connects to cfg.Addr. Host keys are checked against
// cfg.KnownHostsFile unless cfg.InsecureIgnoreHostKey is set.
func DialSFTP(ctx context.Context, cfg config.SFTPArchiveConfig, logger zerolog.Logger) (*SFTPArchiver, error) {
	clientConfig, err := sshClientConfig(cfg)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: sftpDialTimeout}
	nc, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(nc, cfg.Addr, clientConfig)
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", cfg.Addr, err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}
	return NewSFTPArchiver(client, sshClient, cfg.Dir, logger), nil
}

// NewSFTPArchiver wraps an established SFTP session. conn, when not nil, is
// closed after the session.
func NewSFTPArchiver(client *sftp.Client, conn io.Closer, dir string, logger zerolog.Logger) *SFTPArchiver {
	if dir == "" {
		dir = "."
	}
	return &SFTPArchiver{
		client: client,
		conn:   conn,
		dir:    dir,
		logger: logger.With().Str("component", "archive-sftp").Logger(),
	}
}

func sshClientConfig(cfg config.SFTPArchiveConfig) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		keyBytes, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
		auth = append(auth, ssh.KeyboardInteractive(
			func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = cfg.Password
				}
				return answers, nil
			},
		))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("sftp archive needs a password or key_file")
	}

	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case cfg.InsecureIgnoreHostKey:
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	case cfg.KnownHostsFile != "":
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	default:
		return nil, fmt.Errorf("sftp archive needs known_hosts_file or insecure_ignore_host_key")
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         sftpDialTimeout,
	}, nil
}

// Put uploads to a temporary name and renames it over the target.
func (a *SFTPArchiver) Put(_ context.Context, name string, r io.Reader) error {
	if !validName(name) {
		return fmt.Errorf("invalid backup name: %q", name)
	}
	if err := a.client.MkdirAll(a.dir); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}

	target := path.Join(a.dir, name)
	tmp := path.Join(a.dir, "."+name+".part")
	f, err := a.client.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		_ = a.client.Remove(tmp)
		return fmt.Errorf("failed to upload backup: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = a.client.Remove(tmp)
		return err
	}

	if err := a.client.PosixRename(tmp, target); err != nil {
		// servers without the posix-rename extension refuse to overwrite
		_ = a.client.Remove(target)
		if err := a.client.Rename(tmp, target); err != nil {
			_ = a.client.Remove(tmp)
			return fmt.Errorf("failed to move backup into place: %w", err)
		}
	}
	a.logger.Info().Str("path", target).Int64("bytes", n).Msg("Backup uploaded")
	return nil
}

func (a *SFTPArchiver) Get(_ context.Context, name string) (io.ReadCloser, error) {
	if !validName(name) {
		return nil, fmt.Errorf("invalid backup name: %q", name)
	}
	f, err := a.client.Open(path.Join(a.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to open remote backup: %w", err)
	}
	return f, nil
}

func (a *SFTPArchiver) List(_ context.Context) ([]string, error) {
	infos, err := a.client.ReadDir(a.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list remote directory: %w", err)
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		if fi.Mode().IsRegular() {
			names = append(names, fi.Name())
		}
	}
	return sortedBackups(names), nil
}

func (a *SFTPArchiver) Close() error {
	err := a.client.Close()
	if a.conn != nil {
		if cerr := a.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
