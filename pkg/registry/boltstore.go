package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/hobbes-project/hobbes/pkg/types"
)

var (
	bucketSystem      = []byte("system")
	bucketCPUs        = []byte("cpus")
	bucketMemBlocks   = []byte("memblocks")
	bucketEnclaves    = []byte("enclaves")
	bucketApplication = []byte("applications")
	bucketSegments    = []byte("segments")
)

const systemKey = "system"

// BoltStore implements Store on top of a bbolt file, one bucket per row
// kind, JSON-encoded values, keyed by the row's numeric id formatted as a
// fixed-width decimal string so bucket iteration order matches id order.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) the registry database under
// dataDir and ensures every bucket exists.
func OpenBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hobbes.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSystem,
			bucketCPUs,
			bucketMemBlocks,
			bucketEnclaves,
			bucketApplication,
			bucketSegments,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("registry: creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func idKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

func (s *BoltStore) GetSystem() (*types.System, error) {
	var sys types.System
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSystem)
		data := b.Get([]byte(systemKey))
		if data == nil {
			return fmt.Errorf("registry: system header not initialized")
		}
		return json.Unmarshal(data, &sys)
	})
	if err != nil {
		return nil, err
	}
	return &sys, nil
}

func (s *BoltStore) PutSystem(sys *types.System) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSystem)
		data, err := json.Marshal(sys)
		if err != nil {
			return err
		}
		return b.Put([]byte(systemKey), data)
	})
}

func (s *BoltStore) PutCPU(cpu *types.CPU) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCPUs)
		data, err := json.Marshal(cpu)
		if err != nil {
			return err
		}
		return b.Put(idKey(uint64(cpu.ID)), data)
	})
}

func (s *BoltStore) GetCPU(id int) (*types.CPU, error) {
	var cpu types.CPU
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCPUs)
		data := b.Get(idKey(uint64(id)))
		if data == nil {
			return fmt.Errorf("registry: cpu %d not found", id)
		}
		return json.Unmarshal(data, &cpu)
	})
	if err != nil {
		return nil, err
	}
	return &cpu, nil
}

func (s *BoltStore) ListCPUs() ([]*types.CPU, error) {
	var cpus []*types.CPU
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCPUs)
		return b.ForEach(func(k, v []byte) error {
			var cpu types.CPU
			if err := json.Unmarshal(v, &cpu); err != nil {
				return err
			}
			cpus = append(cpus, &cpu)
			return nil
		})
	})
	return cpus, err
}

func (s *BoltStore) PutMemoryBlock(block *types.MemoryBlock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMemBlocks)
		data, err := json.Marshal(block)
		if err != nil {
			return err
		}
		return b.Put(idKey(uint64(block.ID)), data)
	})
}

func (s *BoltStore) GetMemoryBlock(id int) (*types.MemoryBlock, error) {
	var block types.MemoryBlock
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMemBlocks)
		data := b.Get(idKey(uint64(id)))
		if data == nil {
			return fmt.Errorf("registry: memory block %d not found", id)
		}
		return json.Unmarshal(data, &block)
	})
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (s *BoltStore) ListMemoryBlocks() ([]*types.MemoryBlock, error) {
	var blocks []*types.MemoryBlock
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMemBlocks)
		return b.ForEach(func(k, v []byte) error {
			var block types.MemoryBlock
			if err := json.Unmarshal(v, &block); err != nil {
				return err
			}
			blocks = append(blocks, &block)
			return nil
		})
	})
	return blocks, err
}

func (s *BoltStore) PutEnclave(enc *types.Enclave) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnclaves)
		data, err := json.Marshal(enc)
		if err != nil {
			return err
		}
		return b.Put(idKey(uint64(enc.ID)), data)
	})
}

func (s *BoltStore) GetEnclave(id types.EnclaveID) (*types.Enclave, error) {
	var enc types.Enclave
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnclaves)
		data := b.Get(idKey(uint64(id)))
		if data == nil {
			return fmt.Errorf("registry: enclave %d not found", id)
		}
		return json.Unmarshal(data, &enc)
	})
	if err != nil {
		return nil, err
	}
	return &enc, nil
}

func (s *BoltStore) ListEnclaves() ([]*types.Enclave, error) {
	var encs []*types.Enclave
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnclaves)
		return b.ForEach(func(k, v []byte) error {
			var enc types.Enclave
			if err := json.Unmarshal(v, &enc); err != nil {
				return err
			}
			encs = append(encs, &enc)
			return nil
		})
	})
	return encs, err
}

func (s *BoltStore) DeleteEnclave(id types.EnclaveID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnclaves)
		return b.Delete(idKey(uint64(id)))
	})
}

func (s *BoltStore) PutApplication(app *types.Application) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplication)
		data, err := json.Marshal(app)
		if err != nil {
			return err
		}
		return b.Put(idKey(uint64(app.ID)), data)
	})
}

func (s *BoltStore) GetApplication(id types.AppID) (*types.Application, error) {
	var app types.Application
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplication)
		data := b.Get(idKey(uint64(id)))
		if data == nil {
			return fmt.Errorf("registry: application %d not found", id)
		}
		return json.Unmarshal(data, &app)
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *BoltStore) ListApplications() ([]*types.Application, error) {
	var apps []*types.Application
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplication)
		return b.ForEach(func(k, v []byte) error {
			var app types.Application
			if err := json.Unmarshal(v, &app); err != nil {
				return err
			}
			apps = append(apps, &app)
			return nil
		})
	})
	return apps, err
}

func (s *BoltStore) ListApplicationsByEnclave(enclaveID types.EnclaveID) ([]*types.Application, error) {
	apps, err := s.ListApplications()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Application
	for _, app := range apps {
		if app.EnclaveID == enclaveID {
			filtered = append(filtered, app)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteApplication(id types.AppID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplication)
		return b.Delete(idKey(uint64(id)))
	})
}

func (s *BoltStore) PutSegment(seg *types.Segment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSegments)
		data, err := json.Marshal(seg)
		if err != nil {
			return err
		}
		return b.Put(idKey(uint64(seg.ID)), data)
	})
}

func (s *BoltStore) GetSegment(id types.SegmentID) (*types.Segment, error) {
	var seg types.Segment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSegments)
		data := b.Get(idKey(uint64(id)))
		if data == nil {
			return fmt.Errorf("registry: segment %d not found", id)
		}
		return json.Unmarshal(data, &seg)
	})
	if err != nil {
		return nil, err
	}
	return &seg, nil
}

func (s *BoltStore) ListSegments() ([]*types.Segment, error) {
	var segs []*types.Segment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSegments)
		return b.ForEach(func(k, v []byte) error {
			var seg types.Segment
			if err := json.Unmarshal(v, &seg); err != nil {
				return err
			}
			segs = append(segs, &seg)
			return nil
		})
	})
	return segs, err
}

func (s *BoltStore) DeleteSegment(id types.SegmentID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSegments)
		return b.Delete(idKey(uint64(id)))
	})
}
