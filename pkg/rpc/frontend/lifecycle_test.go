package frontend

import (
	"net/http"
	"sync"
	"testing"

	"arx/pkg/kv"
)

func TestProcessWhileClosed(t *testing.T) {
	r := newRig(t, nil)
	r.install("/foo", http.MethodGet, registry404Props(), nil)

	resp := mustProcess(t, r.frontend, newRequest(http.MethodGet, "/foo"))
	if resp.status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.status)
	}
	if resp.body != "Frontend is not open." {
		t.Fatalf("unexpected body %q", resp.body)
	}
	if r.store.commits != 0 {
		t.Fatalf("closed frontend must not commit, saw %d commits", r.store.commits)
	}
}

func TestOpenWithoutIdentityInitialisesHandlersOnce(t *testing.T) {
	r := newRig(t, nil)
	inits := 0
	r.registry.OnInit(func(store kv.Store) { inits++ })

	r.frontend.Open(nil)
	r.frontend.Open(nil)
	if inits != 1 {
		t.Fatalf("expected exactly one handler init, got %d", inits)
	}
}

func TestOpenWithIdentityWaitsForServiceRecord(t *testing.T) {
	r := newRig(t, nil)
	inits := 0
	r.registry.OnInit(func(store kv.Store) { inits++ })
	identity := []byte("service-cert")
	r.frontend.Open(identity)

	if r.frontend.IsOpen(r.store.CreateTx()) {
		t.Fatal("frontend must stay closed until the service record commits")
	}

	// A committed record with the wrong cert does not open the frontend.
	seedService(r.store, kv.ServiceOpen, []byte("other-cert"))
	if r.frontend.IsOpen(r.store.CreateTx()) {
		t.Fatal("frontend opened on a foreign service identity")
	}

	seedService(r.store, kv.ServiceOpen, identity)
	if !r.frontend.IsOpen(r.store.CreateTx()) {
		t.Fatal("frontend should open once the matching record is committed")
	}
	if inits != 1 {
		t.Fatalf("expected one handler init, got %d", inits)
	}

	// Open is monotone.
	seedService(r.store, kv.ServiceClosed, identity)
	if !r.frontend.IsOpen(r.store.CreateTx()) {
		t.Fatal("open frontend must stay open")
	}
}

func TestConcurrentIsOpenInitialisesOnce(t *testing.T) {
	r := newRig(t, nil)
	inits := 0
	r.registry.OnInit(func(store kv.Store) { inits++ })
	identity := []byte("service-cert")
	r.frontend.Open(identity)
	seedService(r.store, kv.ServiceOpen, identity)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.frontend.IsOpen(r.store.CreateTx())
		}()
	}
	wg.Wait()
	if inits != 1 {
		t.Fatalf("expected one handler init across concurrent opens, got %d", inits)
	}
}

func seedService(store *scriptStore, status kv.ServiceStatus, cert []byte) {
	raw, _ := serviceRecordJSON(status, cert)
	store.seed(kv.TableService, kv.ServiceKey, raw)
}
