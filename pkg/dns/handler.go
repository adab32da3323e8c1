package dns

import (
	"context"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/svcfleet/internal/config"
)

const lookupTimeout = 5 * time.Second

// Handler DNS请求处理器，只回答本地域的查询
type Handler struct {
	recordManager *RecordManager
	cache         *DNSCache
	logger        config.Logger
}

// NewHandler 创建DNS请求处理器
func NewHandler(recordManager *RecordManager, cache *DNSCache, logger config.Logger) *Handler {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Handler{
		recordManager: recordManager,
		cache:         cache,
		logger:        logger,
	}
}

// ServeDNS 处理DNS请求
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)

	// 只处理标准查询
	if r.Opcode != dns.OpcodeQuery {
		m.Rcode = dns.RcodeNotImplemented
		w.WriteMsg(m)
		return
	}
	if len(r.Question) == 0 {
		m.Rcode = dns.RcodeFormatError
		w.WriteMsg(m)
		return
	}

	q := r.Question[0]
	if !h.recordManager.InDomain(q.Name) {
		m.Rcode = dns.RcodeRefused
		w.WriteMsg(m)
		return
	}

	key := GetCacheKey(q)
	if cached := h.cache.Get(key); cached != nil {
		cached.Id = r.Id
		w.WriteMsg(cached)
		return
	}

	h.handleLocalDomain(w, m, q, key)
}

// handleLocalDomain 处理本地域名查询
func (h *Handler) handleLocalDomain(w dns.ResponseWriter, m *dns.Msg, q dns.Question, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	records, found, err := h.recordManager.GetRecords(ctx, q.Name, q.Qtype)
	if err != nil {
		h.logger.Warn("获取DNS记录失败", zap.String("name", q.Name), zap.Error(err))
		m.Rcode = dns.RcodeServerFailure
		w.WriteMsg(m)
		return
	}

	m.Authoritative = true
	if !found {
		// 服务没有任何租约
		m.Rcode = dns.RcodeNameError
	} else {
		m.Answer = append(m.Answer, records...)
	}

	h.cache.Set(key, m)
	w.WriteMsg(m)
}
