package dns

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/hewenyu/svcfleet/pkg/model"
	"github.com/hewenyu/svcfleet/pkg/storage"
)

// RecordManager 根据共享存储中的租约和进程心跳生成放置查询记录
type RecordManager struct {
	store  storage.Store
	domain string
	ttl    uint32

	mutex   sync.RWMutex
	loaded  bool
	records map[string][]*model.DNSRecord // key为不带结尾点的小写域名
}

// NewRecordManager 创建DNS记录管理器
func NewRecordManager(store storage.Store, domain string, ttl uint32) *RecordManager {
	return &RecordManager{
		store:   store,
		domain:  strings.ToLower(strings.TrimSuffix(domain, ".")),
		ttl:     ttl,
		records: make(map[string][]*model.DNSRecord),
	}
}

// Domain 返回记录所属的域
func (rm *RecordManager) Domain() string {
	return rm.domain
}

// RefreshRecords 重新读取全部租约和进程并重建记录
func (rm *RecordManager) RefreshRecords(ctx context.Context) error {
	leaseDocs, err := rm.store.FindAll(ctx, storage.CollectionServiceLeases, nil)
	if err != nil {
		return fmt.Errorf("读取租约失败: %w", err)
	}
	procDocs, err := rm.store.FindAll(ctx, storage.CollectionHostProcesses, nil)
	if err != nil {
		return fmt.Errorf("读取进程失败: %w", err)
	}

	processes := make(map[string]model.HostProcessHeartbeat, len(procDocs))
	for _, doc := range procDocs {
		var p model.HostProcessHeartbeat
		if err := storage.Decode(doc, &p); err != nil {
			continue
		}
		processes[p.ID()] = p
	}

	byService := make(map[string][]model.ServiceLease)
	for id, doc := range leaseDocs {
		var l model.ServiceLease
		if err := storage.Decode(doc, &l); err != nil {
			continue
		}
		l.LeaseID = id
		byService[l.ServiceName] = append(byService[l.ServiceName], l)
	}

	records := make(map[string][]*model.DNSRecord, len(byService))
	for name, leases := range byService {
		records[model.ServiceDomain(name, rm.domain)] = model.PlacementDNSRecords(name, rm.domain, rm.ttl, leases, processes)
	}

	rm.mutex.Lock()
	rm.records = records
	rm.loaded = true
	rm.mutex.Unlock()
	return nil
}

// Domains 返回当前有记录的全部域名
func (rm *RecordManager) Domains() []string {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	out := make([]string, 0, len(rm.records))
	for d := range rm.records {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// InDomain 判断查询名是否属于本地域
func (rm *RecordManager) InDomain(name string) bool {
	name = normalize(name)
	return name == rm.domain || strings.HasSuffix(name, "."+rm.domain)
}

// GetRecords 获取指定域名和类型的DNS记录。found为false表示该域名没有任何记录。
func (rm *RecordManager) GetRecords(ctx context.Context, name string, qtype uint16) (rrs []dns.RR, found bool, err error) {
	rm.mutex.RLock()
	loaded := rm.loaded
	rm.mutex.RUnlock()
	if !loaded {
		if err := rm.RefreshRecords(ctx); err != nil {
			return nil, false, err
		}
	}

	rm.mutex.RLock()
	records, found := rm.records[normalize(name)]
	rm.mutex.RUnlock()
	if !found {
		return nil, false, nil
	}

	for _, rec := range records {
		if !matchesType(rec.Type, qtype) {
			continue
		}
		rr, err := toRR(rec)
		if err != nil {
			// 公布的地址不是IP时跳过
			continue
		}
		rrs = append(rrs, rr)
	}
	return rrs, true, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

func matchesType(t model.DNSRecordType, qtype uint16) bool {
	switch qtype {
	case dns.TypeANY:
		return true
	case dns.TypeA:
		return t == model.RecordTypeA
	case dns.TypeTXT:
		return t == model.RecordTypeTXT
	}
	return false
}

// toRR 把记录转换为miekg/dns的资源记录
func toRR(rec *model.DNSRecord) (dns.RR, error) {
	hdr := dns.RR_Header{Name: dns.Fqdn(rec.Domain), Class: dns.ClassINET, Ttl: rec.TTL}
	switch rec.Type {
	case model.RecordTypeA:
		return createARecord(rec.Domain, rec.Value, rec.TTL)
	case model.RecordTypeTXT:
		hdr.Rrtype = dns.TypeTXT
		return &dns.TXT{Hdr: hdr, Txt: []string{rec.Value}}, nil
	}
	return nil, fmt.Errorf("不支持的记录类型: %s", rec.Type)
}

// createARecord 创建A记录
func createARecord(name, ip string, ttl uint32) (dns.RR, error) {
	return dns.NewRR(fmt.Sprintf("%s %d IN A %s", dns.Fqdn(name), ttl, ip))
}
