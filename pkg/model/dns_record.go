package model

import (
	"fmt"
	"sort"
	"strings"
)

// DNSRecordType 定义DNS记录类型
type DNSRecordType string

const (
	// RecordTypeA A记录，指向持有租约的进程地址
	RecordTypeA DNSRecordType = "A"
	// RecordTypeTXT TXT记录，描述租约的持有者与状态
	RecordTypeTXT DNSRecordType = "TXT"
)

// DNSRecord 定义DNS记录结构
type DNSRecord struct {
	Domain string        `json:"domain"`
	Type   DNSRecordType `json:"type"`
	Value  string        `json:"value"`
	TTL    uint32        `json:"ttl"`
}

// ServiceDomain 返回服务在给定域下的完整域名（不带结尾的点）
func ServiceDomain(serviceName, domain string) string {
	return strings.ToLower(serviceName) + "." + strings.TrimSuffix(domain, ".")
}

// PlacementDNSRecords 根据服务租约和进程心跳生成放置查询记录。
// 只有Running或Idle状态的租约会生成A记录；每个租约都生成一条TXT记录。
func PlacementDNSRecords(serviceName, domain string, ttl uint32, leases []ServiceLease, processes map[string]HostProcessHeartbeat) []*DNSRecord {
	fqdn := ServiceDomain(serviceName, domain)

	sorted := make([]ServiceLease, len(leases))
	copy(sorted, leases)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LeaseID < sorted[j].LeaseID })

	records := make([]*DNSRecord, 0, len(sorted)*2)
	seen := make(map[string]bool)
	for _, lease := range sorted {
		records = append(records, &DNSRecord{
			Domain: fqdn,
			Type:   RecordTypeTXT,
			Value:  fmt.Sprintf("host=%s pid=%d status=%s", lease.Hostname, lease.PID, lease.Status),
			TTL:    ttl,
		})

		if lease.Status != StatusRunning && lease.Status != StatusIdle {
			continue
		}
		proc, ok := processes[ProcessID(lease.Hostname, lease.PID)]
		if !ok || proc.Address == "" || seen[proc.Address] {
			continue
		}
		seen[proc.Address] = true
		records = append(records, &DNSRecord{
			Domain: fqdn,
			Type:   RecordTypeA,
			Value:  proc.Address,
			TTL:    ttl,
		})
	}
	return records
}
