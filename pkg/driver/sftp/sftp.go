/*
Copyright 2025 The CloudPaste Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package sftp registers the "sftp" storage driver, serving a directory
tree on a remote SFTP server over SSH. All traffic relays through the
gateway; SFTP has nothing to presign.

Example params:

	{
	    "addr": "10.1.2.3",
	    "user": "alice",
	    "path": "/srv/files",
	    "server_fingerprint": "SHA256:fBkTSuUzQVnVMJ9+e74XNTCnQKSHldbfFiOI9kBMemc",
	    "pass": "s3cr3thunteR1!"
	}

The SSH connection is dialed lazily, shared by all operations, and
redialed transparently when the server drops it.
*/
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go4.org/jsonconfig"
	"go4.org/syncutil/singleflight"
	"golang.org/x/crypto/ssh"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

type sftpDriver struct {
	cfg  *types.StorageConfig
	addr string
	root string
	cc   *ssh.ClientConfig

	getClientGroup singleflight.Group

	mu         sync.Mutex
	lastGet    time.Time // time the cached client was last handed out
	sc         *sftp.Client
	connCloser io.Closer
}

var (
	_ driver.Driver      = (*sftpDriver)(nil)
	_ driver.Multiparter = (*sftpDriver)(nil)
	_ driver.PartWriter  = (*sftpDriver)(nil)
	_ driver.PartLister  = (*sftpDriver)(nil)
	_ driver.Quotaer     = (*sftpDriver)(nil)
	_ io.Closer          = (*sftpDriver)(nil)
)

func init() {
	driver.Register("sftp", typeCaps(), newFromConfig)
}

func typeCaps() driver.Capabilities {
	return driver.Capabilities{
		FS: driver.FSCaps{
			BackendStream: true,
			BackendForm:   true,
			Multipart:     true,
			List:          true,
			Stat:          true,
			Read:          true,
			Range:         true,
			Write:         true,
			Delete:        true,
			Rename:        true,
			Copy:          true,
			Mkdir:         true,
			Quota:         true,
		},
		Share: driver.ShareCaps{
			BackendStream: true,
			BackendForm:   true,
		},
		Multipart: &driver.MultipartCaps{
			Strategy:          driver.PerPartURL,
			PartsLedgerPolicy: driver.LedgerServerCanList,
			ServerCanList:     true,
			Retry:             driver.DefaultRetry(),
		},
	}
}

func newFromConfig(cfg *types.StorageConfig, params jsonconfig.Obj) (driver.Driver, error) {
	var (
		addr            = params.RequiredString("addr")
		user            = params.RequiredString("user")
		dir             = params.OptionalString("path", ".")
		pass            = params.OptionalString("pass", "")
		passFile        = params.OptionalString("pass_file", "")
		privateKey      = params.OptionalString("private_key", "")
		passphrase      = params.OptionalString("passphrase", "")
		wantFingerprint = params.RequiredString("server_fingerprint")
	)
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if pass != "" && passFile != "" {
		return nil, errors.New(`the "pass" and "pass_file" options are mutually exclusive`)
	}
	if passFile != "" {
		slurp, err := os.ReadFile(passFile)
		if err != nil {
			return nil, err
		}
		pass = strings.TrimSpace(string(slurp))
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	cc := &ssh.ClientConfig{
		User: user,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			keyPrint := ssh.FingerprintSHA256(key)
			if keyPrint == wantFingerprint {
				return nil
			}
			if wantFingerprint == "insecure-skip-verify" {
				log.Printf(`sftp: WARNING: "insecure-skip-verify" set; connected to %s at %v@%v with untrusted fingerprint %v`,
					hostname, user, remote, keyPrint)
				return nil
			}
			return fmt.Errorf(`sftp: unexpected fingerprint %q connecting to %v/%v; want %q (or "insecure-skip-verify")`,
				keyPrint, hostname, remote, wantFingerprint)
		},
		Timeout: 10 * time.Second,
	}
	if privateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(privateKey), []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(privateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parsing sftp private key: %v", err)
		}
		cc.Auth = append(cc.Auth, ssh.PublicKeys(signer))
	}
	if pass != "" {
		cc.Auth = append(cc.Auth, ssh.Password(pass))
	}
	if len(cc.Auth) == 0 {
		return nil, errors.New(`sftp needs a "pass", "pass_file" or "private_key" option`)
	}

	if dir == "" {
		dir = "."
	}
	root := dir
	if f := strings.Trim(cfg.DefaultFolder, "/"); f != "" {
		root = joinSlash(dir, f)
	}
	return &sftpDriver{
		cfg:  cfg,
		addr: addr,
		root: root,
		cc:   cc,
	}, nil
}

func joinSlash(elem ...string) string {
	var parts []string
	for _, e := range elem {
		if e != "" {
			parts = append(parts, strings.Trim(e, "/"))
		}
	}
	joined := strings.Join(parts, "/")
	if len(elem) > 0 && strings.HasPrefix(elem[0], "/") {
		return "/" + joined
	}
	return joined
}

func (d *sftpDriver) Type() string { return "sftp" }

func (d *sftpDriver) Capabilities() driver.Capabilities { return typeCaps() }

func (d *sftpDriver) String() string {
	return fmt.Sprintf(`"sftp" at %s@%s, dir %s`, d.cc.User, d.addr, d.root)
}

func (d *sftpDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markConnDeadLocked()
	return nil
}

// markConnDead clears the cached SFTP connection after the caller
// detects a connection failure.
func (d *sftpDriver) markConnDead() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markConnDeadLocked()
}

func (d *sftpDriver) markConnDeadLocked() {
	if d.connCloser != nil {
		go d.connCloser.Close()
	}
	d.sc = nil
	d.connCloser = nil
}

func (d *sftpDriver) monitorSSHConn(wait func() error) {
	err := wait()
	log.Printf("sftp: marking SSH connection dead: %v", err)
	d.markConnDead()
}

func (d *sftpDriver) dialSFTP() (sc *sftp.Client, waiter func() error, toClose io.Closer, err error) {
	var sshc *ssh.Client
	sshc, err = ssh.Dial("tcp", d.addr, d.cc)
	if err != nil {
		return
	}
	var sess *ssh.Session
	sess, err = sshc.NewSession()
	if err != nil {
		go sshc.Close()
		return
	}
	if err = sess.RequestSubsystem("sftp"); err != nil {
		go sshc.Close()
		return
	}
	pw, err := sess.StdinPipe()
	if err != nil {
		go sshc.Close()
		return
	}
	pr, err := sess.StdoutPipe()
	if err != nil {
		go sshc.Close()
		return
	}
	sc, err = sftp.NewClientPipe(pr, pw)
	if err != nil {
		go sshc.Close()
		return
	}
	toClose = sshc
	waiter = sshc.Wait
	return
}

// client returns the *sftp.Client to the server, handling reconnects
// and coalesced dialing for concurrent callers.
func (d *sftpDriver) client(ctx context.Context) (*sftp.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewCancelled("sftp: %v", err)
	}
	d.mu.Lock()
	if d.sc != nil {
		if now := time.Now(); d.lastGet.After(now.Add(-30 * time.Second)) {
			d.lastGet = now
			sc := d.sc
			d.mu.Unlock()
			return sc, nil
		}
		// It's been awhile. Let's see if it's still good.
		if _, err := d.sc.Stat("."); err != nil {
			d.markConnDeadLocked()
		} else {
			d.lastGet = time.Now()
			sc := d.sc
			d.mu.Unlock()
			return sc, nil
		}
	}
	d.mu.Unlock()
	ci, err := d.getClientGroup.Do("", func() (any, error) {
		sc, waiter, toClose, err := d.dialSFTP()
		if err != nil {
			return nil, err
		}
		if waiter != nil {
			go d.monitorSSHConn(waiter)
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		d.connCloser = toClose
		d.sc = sc
		d.lastGet = time.Now()
		return sc, nil
	})
	if err != nil {
		return nil, types.NewUpstreamTransient(err, "sftp: dialing %s", d.addr)
	}
	return ci.(*sftp.Client), nil
}

func mapErr(err error, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return types.NewNotFound("%q not found", key)
	}
	if errors.Is(err, os.ErrPermission) {
		return types.NewPermissionDenied("access to %q denied", key)
	}
	if errors.Is(err, os.ErrExist) {
		return types.NewConflict("%q already exists", key)
	}
	var nerr net.Error
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &nerr) {
		return types.NewUpstreamTransient(err, "sftp: connection failure on %q", key)
	}
	return types.NewUpstreamFatal(err, "sftp: %q", key)
}
