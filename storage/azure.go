package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"prism-calendar/domain"
)

// AzureTable stores task entities in an Azure Storage table, one partition
// per owner.
type AzureTable struct {
	client *aztables.Client
}

// NewAzureTable connects to the named table using a storage connection string.
func NewAzureTable(connStr, table string) (*AzureTable, error) {
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
	return &AzureTable{client: svc.NewClient(table)}, nil
}

// CreateTable creates the backing table. An existing table is not an error.
func (a *AzureTable) CreateTable(ctx context.Context) error {
	_, err := a.client.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			return nil
		}
		return err
	}
	return nil
}

func (a *AzureTable) Insert(ctx context.Context, ent TaskEntity) error {
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = a.client.AddEntity(ctx, payload, nil)
	return err
}

func (a *AzureTable) Merge(ctx context.Context, ownerID string, ents []TaskEntity, mode MergeMode) error {
	if len(ents) == 0 {
		return nil
	}
	if len(ents) > MaxBatch {
		return domain.ErrBatchTooLarge
	}
	payloads := make([][]byte, 0, len(ents))
	for _, ent := range ents {
		if ent.PartitionKey != ownerID {
			return fmt.Errorf("entity %s outside partition %s", ent.RowKey, ownerID)
		}
		payload, err := sonic.Marshal(ent)
		if err != nil {
			return err
		}
		payloads = append(payloads, payload)
	}

	if len(payloads) == 1 {
		return notFound(a.mergeOne(ctx, payloads[0], mode))
	}

	actionType := aztables.TransactionTypeUpdateMerge
	if mode == MergeOrInsert {
		actionType = aztables.TransactionTypeInsertMerge
	}
	actions := make([]aztables.TransactionAction, 0, len(payloads))
	for _, payload := range payloads {
		action := aztables.TransactionAction{ActionType: actionType, Entity: payload}
		if actionType == aztables.TransactionTypeUpdateMerge {
			et := azcore.ETagAny
			action.IfMatch = &et
		}
		actions = append(actions, action)
	}
	_, err := a.client.SubmitTransaction(ctx, actions, nil)
	return notFound(err)
}

func (a *AzureTable) mergeOne(ctx context.Context, payload []byte, mode MergeMode) error {
	if mode == MergeOrInsert {
		_, err := a.client.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeMerge})
		return err
	}
	et := azcore.ETagAny
	_, err := a.client.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return err
}

func (a *AzureTable) Delete(ctx context.Context, ownerID, id string) error {
	_, err := a.client.DeleteEntity(ctx, ownerID, id, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

func (a *AzureTable) List(ctx context.Context, ownerID string) ([]TaskEntity, error) {
	filter := "PartitionKey eq '" + strings.ReplaceAll(ownerID, "'", "''") + "'"
	pager := a.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	ents := []TaskEntity{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent TaskEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			ents = append(ents, ent)
		}
	}
	return ents, nil
}

// notFound tags a 404 from the service with domain.ErrTaskNotFound.
func notFound(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", domain.ErrTaskNotFound, err)
	}
	return err
}
