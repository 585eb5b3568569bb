package store

import (
	"context"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/internal/log"
)

// DNSSeedResolver turns the TXT records of a Route53-hosted zone into
// bootstrap addresses, an alternative to a static `seeds` config list
// for operators who rotate seed infrastructure independently of a
// client release.
type DNSSeedResolver struct {
	client   *route53.Client
	zoneID   string
	recordFQ string
	log      *log.Logger
}

// NewDNSSeedResolver loads AWS credentials from the environment/shared
// config chain. zoneID is the hosted zone to query; recordFQDN is the
// fully-qualified TXT record name carrying seed addresses, one per
// comma-separated value.
func NewDNSSeedResolver(ctx context.Context, zoneID, recordFQDN string) (*DNSSeedResolver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &DNSSeedResolver{
		client:   route53.NewFromConfig(cfg),
		zoneID:   zoneID,
		recordFQ: recordFQDN,
		log:      log.New("component", "dnsseed"),
	}, nil
}

// Resolve fetches the TXT record and parses it into zero or more
// multiserver addresses. Malformed entries are skipped and logged, not
// treated as a fatal error: a DNS-seed outage is a capability gap.
func (r *DNSSeedResolver) Resolve(ctx context.Context) ([]address.Address, error) {
	out, err := r.client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    &r.zoneID,
		StartRecordName: &r.recordFQ,
		StartRecordType: types.RRTypeTxt,
	})
	if err != nil {
		return nil, err
	}

	var seeds []address.Address
	for _, set := range out.ResourceRecordSets {
		if set.Type != types.RRTypeTxt || set.Name == nil || *set.Name != r.recordFQ {
			continue
		}
		for _, rr := range set.ResourceRecords {
			if rr.Value == nil {
				continue
			}
			raw := strings.Trim(*rr.Value, `"`)
			for _, part := range strings.Split(raw, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				addr := address.Address(part)
				if err := address.Validate(addr); err != nil {
					r.log.Warn("skipping malformed DNS-seed entry", "value", part, "err", err)
					continue
				}
				seeds = append(seeds, addr)
			}
		}
	}
	return seeds, nil
}
