package internal

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/vbohinc/burrow-mq/storage"
)

// PersistenceManager maps broker entities onto the storage provider.
// Entity records (vhosts, exchanges, queues, bindings) are JSON; message
// records are the stable binary metadata envelope followed by the opaque
// body, so the on-disk message format is exactly the metadata codec's.
type PersistenceManager struct {
	provider storage.StorageProvider
	server   *server
	seq      atomic.Uint64
}

type VHostRecord struct {
	Name string `json:"name"`
}

type ExchangeRecord struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"autoDelete"`
	Internal   bool   `json:"internal"`
}

type QueueRecord struct {
	Name       string `json:"name"`
	Durable    bool   `json:"durable"`
	Exclusive  bool   `json:"exclusive"`
	AutoDelete bool   `json:"autoDelete"`
}

type BindingRecord struct {
	Exchange   string `json:"exchange"`
	Queue      string `json:"queue"`
	RoutingKey string `json:"routingKey"`
}

func NewPersistenceManager(provider storage.StorageProvider, s *server) *PersistenceManager {
	return &PersistenceManager{provider: provider, server: s}
}

func (pm *PersistenceManager) Initialize() error {
	return pm.provider.Initialize()
}

func (pm *PersistenceManager) Close() error {
	return pm.provider.Close()
}

func vhostKey(vhost string) string {
	return storage.KeyPrefixVHost + vhost
}

func exchangeKey(vhost, name string) string {
	return fmt.Sprintf("%s%s:%s", storage.KeyPrefixExchange, vhost, name)
}

func queueKey(vhost, name string) string {
	return fmt.Sprintf("%s%s:%s", storage.KeyPrefixQueue, vhost, name)
}

func bindingKey(vhost, exchange, routingKey, queue string) string {
	return fmt.Sprintf("%s%s:%s:%s:%s", storage.KeyPrefixBinding, vhost, exchange, routingKey, queue)
}

func messageKeyPrefix(vhost, queue string) string {
	return fmt.Sprintf("%s%s:%s:", storage.KeyPrefixMessage, vhost, queue)
}

func (pm *PersistenceManager) SaveVHost(name string) error {
	data, err := json.Marshal(VHostRecord{Name: name})
	if err != nil {
		return fmt.Errorf("marshaling vhost record: %w", err)
	}
	return pm.provider.Set(vhostKey(name), data)
}

func (pm *PersistenceManager) SaveExchange(vhost string, ex *exchange) error {
	data, err := json.Marshal(ExchangeRecord{
		Name:       ex.Name,
		Type:       ex.Type,
		Durable:    ex.Durable,
		AutoDelete: ex.AutoDelete,
		Internal:   ex.Internal,
	})
	if err != nil {
		return fmt.Errorf("marshaling exchange record: %w", err)
	}
	return pm.provider.Set(exchangeKey(vhost, ex.Name), data)
}

func (pm *PersistenceManager) SaveQueue(vhost string, q *queue) error {
	data, err := json.Marshal(QueueRecord{
		Name:       q.Name,
		Durable:    q.Durable,
		Exclusive:  q.Exclusive,
		AutoDelete: q.AutoDelete,
	})
	if err != nil {
		return fmt.Errorf("marshaling queue record: %w", err)
	}
	return pm.provider.Set(queueKey(vhost, q.Name), data)
}

func (pm *PersistenceManager) SaveBinding(vhost, exchange, routingKey, queue string) error {
	data, err := json.Marshal(BindingRecord{Exchange: exchange, Queue: queue, RoutingKey: routingKey})
	if err != nil {
		return fmt.Errorf("marshaling binding record: %w", err)
	}
	return pm.provider.Set(bindingKey(vhost, exchange, routingKey, queue), data)
}

// SaveMessage persists a durable message: metadata envelope then body,
// under a key that sorts in arrival order.
func (pm *PersistenceManager) SaveMessage(vhost, queue string, msg *serverMessage) error {
	meta, err := msg.MetaData.encode()
	if err != nil {
		return fmt.Errorf("encoding message metadata: %w", err)
	}

	record := make([]byte, 0, len(meta)+len(msg.Body))
	record = append(record, meta...)
	record = append(record, msg.Body...)

	key := fmt.Sprintf("%s%019d-%06d", messageKeyPrefix(vhost, queue), time.Now().UnixNano(), pm.seq.Add(1))

	tx, err := pm.provider.BeginTx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := tx.Set(key, record); err != nil {
		tx.Rollback()
		return fmt.Errorf("saving message record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message record: %w", err)
	}
	return nil
}

func (pm *PersistenceManager) PurgeQueueMessages(vhost, queue string) error {
	keys, err := pm.provider.Keys(messageKeyPrefix(vhost, queue))
	if err != nil {
		return fmt.Errorf("listing message keys: %w", err)
	}
	return pm.provider.DeleteBatch(keys)
}

func (pm *PersistenceManager) DeleteQueue(vhost, queue string) error {
	if err := pm.PurgeQueueMessages(vhost, queue); err != nil {
		return err
	}
	return pm.provider.Delete(queueKey(vhost, queue))
}

func (pm *PersistenceManager) LoadAllVHosts() ([]VHostRecord, error) {
	var records []VHostRecord
	err := pm.provider.Scan(storage.KeyPrefixVHost, func(key string, value []byte) error {
		var rec VHostRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("unmarshaling vhost record %s: %w", key, err)
		}
		records = append(records, rec)
		return nil
	})
	return records, err
}

func (pm *PersistenceManager) LoadAllExchanges(vhost string) ([]ExchangeRecord, error) {
	var records []ExchangeRecord
	err := pm.provider.Scan(storage.KeyPrefixExchange+vhost+":", func(key string, value []byte) error {
		var rec ExchangeRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("unmarshaling exchange record %s: %w", key, err)
		}
		records = append(records, rec)
		return nil
	})
	return records, err
}

func (pm *PersistenceManager) LoadAllQueues(vhost string) ([]QueueRecord, error) {
	var records []QueueRecord
	err := pm.provider.Scan(storage.KeyPrefixQueue+vhost+":", func(key string, value []byte) error {
		var rec QueueRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("unmarshaling queue record %s: %w", key, err)
		}
		records = append(records, rec)
		return nil
	})
	return records, err
}

func (pm *PersistenceManager) LoadAllBindings(vhost string) ([]BindingRecord, error) {
	var records []BindingRecord
	err := pm.provider.Scan(storage.KeyPrefixBinding+vhost+":", func(key string, value []byte) error {
		var rec BindingRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("unmarshaling binding record %s: %w", key, err)
		}
		records = append(records, rec)
		return nil
	})
	return records, err
}

// LoadQueueMessages restores a queue's messages in arrival order. A
// record that fails to decode is connection-scoped at write time; at
// recovery it means a corrupt store, which is surfaced as an error.
func (pm *PersistenceManager) LoadQueueMessages(vhost, queue string) ([]*serverMessage, error) {
	type keyed struct {
		key string
		msg *serverMessage
	}
	var records []keyed

	err := pm.provider.Scan(messageKeyPrefix(vhost, queue), func(key string, value []byte) error {
		meta, consumed, err := decodeMessageMetaData(value)
		if err != nil {
			return fmt.Errorf("decoding message metadata %s: %w", key, err)
		}
		body := make([]byte, len(value)-consumed)
		copy(body, value[consumed:])
		records = append(records, keyed{key: key, msg: &serverMessage{MetaData: meta, Body: body}})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].key < records[j].key })

	messages := make([]*serverMessage, len(records))
	for i, rec := range records {
		messages[i] = rec.msg
	}
	return messages, nil
}
