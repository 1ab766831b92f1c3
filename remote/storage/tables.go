package storage

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"taskboard/domain"
)

type tableClient interface {
	NewListEntitiesPager(opts *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	GetEntity(ctx context.Context, partitionKey, rowKey string, opts *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, opts *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, opts *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, opts *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
}

// Tables stores records in an Azure table. PartitionKey is the user and
// RowKey is "kind:id"; Seq preserves insertion order.
type Tables struct {
	table   tableClient
	lastSeq atomic.Int64
}

// NewTables connects to tableName using a storage connection string.
func NewTables(connStr, tableName string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{table: svc.NewClient(tableName)}, nil
}

const edmInt64 = "Edm.Int64"

type recordEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Body         string `json:"Body"`
	Seq          int64  `json:"Seq,string"`
	SeqType      string `json:"Seq@odata.type"`
}

func rowKey(kind domain.Kind, id string) string {
	return string(kind) + ":" + id
}

// nextSeq returns a strictly increasing timestamp in nanoseconds.
func (t *Tables) nextSeq() int64 {
	for {
		now := time.Now().UnixNano()
		last := t.lastSeq.Load()
		if now <= last {
			now = last + 1
		}
		if t.lastSeq.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (t *Tables) List(ctx context.Context, userID string, kind domain.Kind) ([]Record, error) {
	// ';' sorts directly after ':' so the range covers exactly this kind.
	filter := "PartitionKey eq '" + strings.ReplaceAll(userID, "'", "''") + "' and RowKey ge '" + string(kind) + ":' and RowKey lt '" + string(kind) + ";'"
	pager := t.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var ents []recordEntity
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent recordEntity
			if err := sonic.ConfigStd.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			ents = append(ents, ent)
		}
	}
	sort.SliceStable(ents, func(i, j int) bool { return ents[i].Seq < ents[j].Seq })
	out := make([]Record, 0, len(ents))
	prefix := len(kind) + 1
	for _, ent := range ents {
		out = append(out, Record{ID: ent.RowKey[prefix:], Body: []byte(ent.Body)})
	}
	return out, nil
}

func (t *Tables) get(ctx context.Context, userID string, kind domain.Kind, id string) (recordEntity, azcore.ETag, error) {
	resp, err := t.table.GetEntity(ctx, userID, rowKey(kind, id), nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return recordEntity{}, "", ErrNotFound
		}
		return recordEntity{}, "", err
	}
	var ent recordEntity
	if err := sonic.ConfigStd.Unmarshal(resp.Value, &ent); err != nil {
		return recordEntity{}, "", err
	}
	return ent, resp.ETag, nil
}

func (t *Tables) Get(ctx context.Context, userID string, kind domain.Kind, id string) (Record, error) {
	ent, _, err := t.get(ctx, userID, kind, id)
	if err != nil {
		return Record{}, err
	}
	return Record{ID: id, Body: []byte(ent.Body)}, nil
}

func (t *Tables) Insert(ctx context.Context, userID string, kind domain.Kind, rec Record) error {
	ent := recordEntity{
		PartitionKey: userID,
		RowKey:       rowKey(kind, rec.ID),
		Body:         string(rec.Body),
		Seq:          t.nextSeq(),
		SeqType:      edmInt64,
	}
	data, err := sonic.ConfigStd.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = t.table.AddEntity(ctx, data, nil)
	return err
}

func (t *Tables) Update(ctx context.Context, userID string, kind domain.Kind, rec Record) error {
	ent, etag, err := t.get(ctx, userID, kind, rec.ID)
	if err != nil {
		return err
	}
	ent.Body = string(rec.Body)
	ent.SeqType = edmInt64
	data, err := sonic.ConfigStd.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = t.table.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	if isStatus(err, http.StatusNotFound) {
		return ErrNotFound
	}
	return err
}

func (t *Tables) Delete(ctx context.Context, userID string, kind domain.Kind, id string) (bool, error) {
	_, err := t.table.DeleteEntity(ctx, userID, rowKey(kind, id), nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}
