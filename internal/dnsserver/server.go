package dnsserver

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/mesh-runtime/internal/core/config"
	"github.com/hewenyu/mesh-runtime/internal/mesh/registry"
)

// Server 表示DNS发现服务
// 将注册中心的健康实例以A/SRV记录的形式对外暴露，查询格式: {service}.{domain}
type Server struct {
	cfg        *config.DNSConfig
	registry   *registry.Registry
	logger     config.Logger
	udpServer  *dns.Server
	tcpServer  *dns.Server
	shutdownWg sync.WaitGroup
}

// NewServer 创建一个新的DNS发现服务实例
func NewServer(cfg *config.DNSConfig, reg *registry.Registry, logger config.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
		logger:   logger,
	}
}

// Start 启动DNS服务器
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	// 设置DNS处理器
	dnsHandler := dns.NewServeMux()
	dnsHandler.HandleFunc(".", s.handleDNSRequest)

	// 如果启用UDP，启动UDP服务器
	if s.cfg.UDPEnabled {
		s.udpServer = &dns.Server{
			Addr:         addr,
			Net:          "udp",
			Handler:      dnsHandler,
			UDPSize:      65535,
			ReadTimeout:  s.cfg.Timeout,
			WriteTimeout: s.cfg.Timeout,
		}

		s.shutdownWg.Add(1)
		go func() {
			defer s.shutdownWg.Done()
			s.logger.Info("启动UDP DNS服务器", zap.String("addr", addr))
			if err := s.udpServer.ListenAndServe(); err != nil {
				s.logger.Error("UDP DNS服务器异常退出", zap.Error(err))
			}
		}()
	}

	// 如果启用TCP，启动TCP服务器
	if s.cfg.TCPEnabled {
		s.tcpServer = &dns.Server{
			Addr:         addr,
			Net:          "tcp",
			Handler:      dnsHandler,
			ReadTimeout:  s.cfg.Timeout,
			WriteTimeout: s.cfg.Timeout,
		}

		s.shutdownWg.Add(1)
		go func() {
			defer s.shutdownWg.Done()
			s.logger.Info("启动TCP DNS服务器", zap.String("addr", addr))
			if err := s.tcpServer.ListenAndServe(); err != nil {
				s.logger.Error("TCP DNS服务器异常退出", zap.Error(err))
			}
		}()
	}

	return nil
}

// Stop 停止DNS服务器
func (s *Server) Stop() error {
	var errs []error

	if s.udpServer != nil {
		if err := s.udpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("关闭UDP服务器失败: %w", err))
		}
	}

	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("关闭TCP服务器失败: %w", err))
		}
	}

	// 等待所有服务器关闭
	s.shutdownWg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("停止DNS服务器时发生错误: %v", errs)
	}

	return nil
}

// handleDNSRequest 处理DNS请求
// 网格是其域名后缀下的权威数据源，未命中时返回NXDOMAIN，不做上游转发
func (s *Server) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		serviceName, ok := s.parseServiceDomain(q.Name)
		if !ok {
			continue
		}

		switch q.Qtype {
		case dns.TypeA:
			s.appendARecords(m, q, serviceName)
		case dns.TypeSRV:
			s.appendSRVRecords(m, q, serviceName)
		}
	}

	if len(m.Answer) == 0 {
		m.Rcode = dns.RcodeNameError
	}

	if err := w.WriteMsg(m); err != nil {
		s.logger.Error("发送DNS响应失败", zap.Error(err))
	}
}

// parseServiceDomain 解析服务域名
// 格式: service.domain
func (s *Server) parseServiceDomain(name string) (string, bool) {
	name = strings.TrimSuffix(name, ".")

	// 检查域名是否使用网格的服务域
	if !strings.HasSuffix(name, "."+s.cfg.Domain) {
		return "", false
	}

	name = strings.TrimSuffix(name, "."+s.cfg.Domain)
	if name == "" || strings.Contains(name, ".") {
		return "", false
	}

	return name, true
}

// appendARecords 为服务的每个健康实例追加A记录
func (s *Server) appendARecords(m *dns.Msg, q dns.Question, serviceName string) {
	for _, instance := range s.registry.InstancesByName(serviceName) {
		ip := net.ParseIP(instance.Host)
		if ip == nil {
			// 主机名形式的实例无法映射为A记录
			continue
		}

		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    s.cfg.TTL,
			},
			A: ip,
		})
	}
}

// appendSRVRecords 为服务的每个健康实例追加SRV记录及其目标A记录
func (s *Server) appendSRVRecords(m *dns.Msg, q dns.Question, serviceName string) {
	for idx, instance := range s.registry.InstancesByName(serviceName) {
		// 为每个实例生成唯一的目标域名: instance-{idx}.{service}.{domain}
		targetDomain := fmt.Sprintf("instance-%d.%s.%s.", idx, serviceName, s.cfg.Domain)

		m.Answer = append(m.Answer, &dns.SRV{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeSRV,
				Class:  dns.ClassINET,
				Ttl:    s.cfg.TTL,
			},
			Priority: 0,
			Weight:   0,
			Port:     uint16(instance.Port),
			Target:   targetDomain,
		})

		if ip := net.ParseIP(instance.Host); ip != nil {
			m.Extra = append(m.Extra, &dns.A{
				Hdr: dns.RR_Header{
					Name:   targetDomain,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    s.cfg.TTL,
				},
				A: ip,
			})
		}
	}
}
