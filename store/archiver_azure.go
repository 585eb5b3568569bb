package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/peer"
)

// AzureArchiver uploads periodic address-book snapshots to a single
// append-free blob, giving the durable, cold address book an off-box
// cold-storage tier. It is optional: a nil AzureArchiver (or one never
// wired into store.Open) is a capability gap the AddressBook silently
// tolerates.
type AzureArchiver struct {
	blobURL azblob.BlockBlobURL
}

// NewAzureArchiver builds an archiver that uploads snapshots as a
// single JSON blob at containerURL/blobName, authenticated with the
// given shared-key credential.
func NewAzureArchiver(accountName, accountKey, containerURL, blobName string) (*AzureArchiver, error) {
	cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("store: azure credential: %w", err)
	}
	u, err := url.Parse(containerURL)
	if err != nil {
		return nil, fmt.Errorf("store: azure container url: %w", err)
	}
	pipeline := azblob.NewPipeline(cred, azblob.PipelineOptions{})
	containerBlobURL := azblob.NewContainerURL(*u, pipeline)
	return &AzureArchiver{blobURL: containerBlobURL.NewBlockBlobURL(blobName)}, nil
}

type archivedRecord struct {
	Address address.Address `json:"address"`
	Record  *peer.Record    `json:"record"`
}

// Archive uploads the given snapshot, overwriting the previous blob.
func (a *AzureArchiver) Archive(ctx context.Context, snapshot map[address.Address]*peer.Record) error {
	out := make([]archivedRecord, 0, len(snapshot))
	for addr, rec := range snapshot {
		out = append(out, archivedRecord{Address: addr, Record: rec})
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = a.blobURL.Upload(ctx, bytes.NewReader(payload), azblob.BlobHTTPHeaders{
		ContentType: "application/json",
	}, azblob.Metadata{}, azblob.BlobAccessConditions{}, azblob.DefaultAccessTier, nil, azblob.ClientProvidedKeyOptions{}, azblob.ImmutabilityPolicyOptions{})
	return err
}
