package metalog

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const stateKey = "/stratum/metalog/state"

// EtcdConfig configures the etcd-backed metadata log.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	// TLS material; all three must be set to enable TLS.
	CertFile string
	KeyFile  string
	CAFile   string
}

// etcdBackend persists metadata state under a single etcd key. The epoch is
// the key's mod revision, so it is monotonic across all writers. store uses
// a compare-and-swap transaction: if another process committed since load,
// the commit fails instead of clobbering it.
type etcdBackend struct {
	client     *clientv3.Client
	ownsClient bool
}

// NewEtcd creates an etcd-backed metadata log.
func NewEtcd(cfg EtcdConfig) (Log, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	clientCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" && cfg.CAFile != "" {
		tlsInfo := transport.TLSInfo{
			CertFile:      cfg.CertFile,
			KeyFile:       cfg.KeyFile,
			TrustedCAFile: cfg.CAFile,
		}
		tlsCfg, err := tlsInfo.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build etcd TLS config: %w", err)
		}
		clientCfg.TLS = tlsCfg
	}
	client, err := clientv3.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return newQueueLog(&etcdBackend{client: client, ownsClient: true}), nil
}

// NewEtcdWithClient wraps an existing etcd client, used by tests running
// against an embedded server. The log does not close the client.
func NewEtcdWithClient(client *clientv3.Client) Log {
	return newQueueLog(&etcdBackend{client: client})
}

func (e *etcdBackend) load(ctx context.Context) ([]byte, Epoch, error) {
	resp, err := e.client.Get(ctx, stateKey)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get metadata state from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}
	kv := resp.Kvs[0]
	return kv.Value, Epoch(kv.ModRevision), nil
}

func (e *etcdBackend) store(ctx context.Context, prev Epoch, next []byte) (Epoch, error) {
	var cmp clientv3.Cmp
	if prev == 0 {
		cmp = clientv3.Compare(clientv3.CreateRevision(stateKey), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.ModRevision(stateKey), "=", int64(prev))
	}
	resp, err := e.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(stateKey, string(next))).
		Commit()
	if err != nil {
		return 0, fmt.Errorf("failed to commit metadata state to etcd: %w", err)
	}
	if !resp.Succeeded {
		return 0, fmt.Errorf("metadata state changed concurrently at epoch %d", prev)
	}
	return Epoch(resp.Header.Revision), nil
}

func (e *etcdBackend) close() error {
	if e.ownsClient {
		return e.client.Close()
	}
	return nil
}
