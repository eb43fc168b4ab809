package internal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	amqpError "github.com/vbohinc/burrow-mq/amqperror"
	"github.com/vbohinc/burrow-mq/config"
	"github.com/vbohinc/burrow-mq/logger"
	"github.com/vbohinc/burrow-mq/storage"
)

// Server is the embeddable broker surface.
type Server interface {
	Start(addr string) error
	Shutdown(ctx context.Context) error
	Logger() logger.Logger
	IsReady() bool
}

type server struct {
	listener net.Listener

	mu     sync.RWMutex
	vhosts map[string]*vHost

	internalLogger *log.Logger   // Internal logger for formatting output
	customLogger   logger.Logger // External logger interface, if provided
	events         *logger.EventLogger

	brokerConfig config.BrokerConfig
	portConfig   config.PortConfig

	authenticator *authenticator
	admission     *connectionAdmission

	connections   map[*connection]struct{}
	connectionsMu sync.RWMutex
	connectionSeq atomic.Uint64

	persistenceManager *PersistenceManager

	queueDeleteOkRegexp *regexp.Regexp

	ready atomic.Bool
}

// ServerOption defines functional options for configuring the AMQP server
type ServerOption func(*server)

// WithLoggingConfig installs logging behaviour, including a custom logger.
func WithLoggingConfig(cfg config.LoggingConfig) ServerOption {
	return func(s *server) {
		if cfg.DisableLogging {
			s.customLogger = &logger.NilLogger{}
			return
		}
		if cfg.CustomLogger != nil {
			s.customLogger = cfg.CustomLogger
		}
	}
}

func WithAuth(credentials map[string]string) ServerOption {
	return func(s *server) {
		if len(credentials) > 0 {
			creds := make(map[string]string, len(credentials))
			for user, pass := range credentials {
				creds[user] = pass
			}
			s.authenticator = newAuthenticator(config.AuthModePlain, creds)
			s.Info("Authentication enabled with %d users", len(credentials))
		}
	}
}

// WithBrokerConfig installs broker-wide tunables.
func WithBrokerConfig(cfg config.BrokerConfig) ServerOption {
	return func(s *server) {
		s.brokerConfig = cfg.WithDefaults()
	}
}

// WithPortConfig installs the per-port limits.
func WithPortConfig(cfg config.PortConfig) ServerOption {
	return func(s *server) {
		s.portConfig = cfg.WithDefaults()
	}
}

// WithHeartbeatInterval overrides the heartbeat interval suggested in
// Connection.Tune.
func WithHeartbeatInterval(interval uint16) ServerOption {
	return func(s *server) {
		s.brokerConfig.HeartBeatDelay = interval
	}
}

func WithVHosts(vhosts []config.VHostConfig) ServerOption {
	return func(s *server) {
		for _, vhostConfig := range vhosts {
			if vhostConfig.Name != "/" {
				if err := s.AddVHost(vhostConfig.Name); err != nil {
					s.Warn("Failed to create vhost '%s': %v", vhostConfig.Name, err)
					continue
				}
			}

			vhost, err := s.GetVHost(vhostConfig.Name)
			if err != nil {
				s.Warn("Failed to get vhost '%s': %v", vhostConfig.Name, err)
				continue
			}

			vhost.mu.Lock()
			for _, exchConfig := range vhostConfig.Exchanges {
				if _, exists := vhost.exchanges[exchConfig.Name]; exists {
					s.Info("Exchange '%s' already exists in vhost '%s', skipping", exchConfig.Name, vhostConfig.Name)
					continue
				}
				vhost.exchanges[exchConfig.Name] = &exchange{
					Name:       exchConfig.Name,
					Type:       exchConfig.Type,
					Durable:    exchConfig.Durable,
					AutoDelete: exchConfig.AutoDelete,
					Internal:   exchConfig.Internal,
					Bindings:   make(map[string][]string),
				}
				s.Info("Created exchange '%s' (type: %s) in vhost '%s'", exchConfig.Name, exchConfig.Type, vhostConfig.Name)
			}

			for _, queueConfig := range vhostConfig.Queues {
				if _, exists := vhost.queues[queueConfig.Name]; exists {
					s.Info("Queue '%s' already exists in vhost '%s', skipping", queueConfig.Name, vhostConfig.Name)
					continue
				}

				q := &queue{
					Name:       queueConfig.Name,
					Durable:    queueConfig.Durable,
					Exclusive:  queueConfig.Exclusive,
					AutoDelete: queueConfig.AutoDelete,
					Bindings:   make(map[string]bool),
				}
				vhost.queues[queueConfig.Name] = q
				s.Info("Created queue '%s' in vhost '%s' (durable: %v, exclusive: %v)",
					queueConfig.Name, vhostConfig.Name, queueConfig.Durable, queueConfig.Exclusive)

				for bindingKey := range queueConfig.Bindings {
					// Parse binding: "exchangeName:routingKey"
					parts := strings.SplitN(bindingKey, ":", 2)
					if len(parts) != 2 {
						s.Warn("Invalid binding format '%s' for queue '%s', expected 'exchange:routingKey'",
							bindingKey, queueConfig.Name)
						continue
					}

					exchangeName := parts[0]
					routingKey := parts[1]

					ex, exchangeExists := vhost.exchanges[exchangeName]
					if !exchangeExists {
						s.Warn("Exchange '%s' not found for binding queue '%s', skipping binding '%s'",
							exchangeName, queueConfig.Name, bindingKey)
						continue
					}

					ex.mu.Lock()
					ex.Bindings[routingKey] = append(ex.Bindings[routingKey], queueConfig.Name)
					ex.mu.Unlock()

					q.Bindings[bindingKey] = true

					s.Info("Bound queue '%s' to exchange '%s' with routing key '%s' in vhost '%s'",
						queueConfig.Name, exchangeName, routingKey, vhostConfig.Name)
				}
			}
			vhost.mu.Unlock()
		}
	}
}

// WithStorage configures the storage provider for the server
func WithStorage(cfg config.StorageConfig) ServerOption {
	return func(s *server) {
		if err := cfg.Validate(); err != nil {
			s.Warn("Invalid storage config: %v, persistence disabled", err)
			return
		}

		var provider storage.StorageProvider

		switch cfg.Type {
		case config.StorageTypeNone:
			s.Info("Persistence disabled")
			return

		case config.StorageTypeMemory:
			provider = storage.NewBuntDBProvider(":memory:")
			s.Info("Using in-memory storage (BuntDB)")

		case config.StorageTypeBuntDB:
			path := cfg.BuntDB.Path
			if path == "" {
				path = ":memory:"
			}
			provider = storage.NewBuntDBProvider(path)
			if path == ":memory:" {
				s.Info("Using in-memory BuntDB storage")
			} else {
				s.Info("Using persistent BuntDB storage at: %s", path)
			}
		}

		if provider != nil {
			s.persistenceManager = NewPersistenceManager(provider, s)
		}
	}
}

// WithStorageProvider uses a custom storage provider directly
func WithStorageProvider(provider storage.StorageProvider) ServerOption {
	return func(s *server) {
		if provider != nil {
			s.persistenceManager = NewPersistenceManager(provider, s)
		}
	}
}

// Get caller function name for logging
func getCallerName() string {
	pc, _, _, _ := runtime.Caller(2) // Use depth 2 to get the actual caller, not the logging function
	caller := runtime.FuncForPC(pc).Name()
	parts := strings.Split(caller, ".")
	return parts[len(parts)-1]
}

// Fatal logs a message with Fatal level and exits with code 1
func (s *server) Fatal(format string, args ...interface{}) {
	if s.customLogger != nil && s.customLogger != logger.Logger(s) {
		s.customLogger.Fatal(format, args...)
		return
	}

	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[FATAL]%s %s%s%s: ", colorBoldRed, colorReset, colorCyan, funcName, colorReset)
		s.internalLogger.Printf(prefix+format, args...)
	} else {
		s.internalLogger.Printf("[FATAL] %s: "+format, append([]interface{}{funcName}, args...)...)
	}

	os.Exit(1)
}

// Err logs a message with Error level
func (s *server) Err(format string, args ...interface{}) {
	if s.customLogger != nil && s.customLogger != logger.Logger(s) {
		s.customLogger.Err(format, args...)
		return
	}

	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[ERROR]%s %s%s%s: ", colorBoldRed, colorReset, colorCyan, funcName, colorReset)
		s.internalLogger.Printf(prefix+format, args...)
	} else {
		s.internalLogger.Printf("[ERROR] %s: "+format, append([]interface{}{funcName}, args...)...)
	}
}

// Warn logs a message with Warning level
func (s *server) Warn(format string, args ...interface{}) {
	if s.customLogger != nil && s.customLogger != logger.Logger(s) {
		s.customLogger.Warn(format, args...)
		return
	}

	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[WARN]%s %s%s%s: ", colorYellow, colorReset, colorCyan, funcName, colorReset)
		s.internalLogger.Printf(prefix+format, args...)
	} else {
		s.internalLogger.Printf("[WARN] %s: "+format, append([]interface{}{funcName}, args...)...)
	}
}

// Info logs a message with Info level
func (s *server) Info(format string, args ...interface{}) {
	if s.customLogger != nil && s.customLogger != logger.Logger(s) {
		s.customLogger.Info(format, args...)
		return
	}

	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[INFO]%s %s%s%s: ", colorGreen, colorReset, colorCyan, funcName, colorReset)
		s.internalLogger.Printf(prefix+format, args...)
	} else {
		s.internalLogger.Printf("[INFO] %s: "+format, append([]interface{}{funcName}, args...)...)
	}
}

// Debug logs a message with Debug level
func (s *server) Debug(format string, args ...interface{}) {
	if s.customLogger != nil && s.customLogger != logger.Logger(s) {
		s.customLogger.Debug(format, args...)
		return
	}

	// Only log debug messages if AMQP_DEBUG environment variable is set
	if os.Getenv("AMQP_DEBUG") != "1" {
		return
	}

	funcName := getCallerName()

	if IsTerminal {
		prefix := fmt.Sprintf("%s[DEBUG]%s %s%s%s: ", colorPurple, colorReset, colorCyan, funcName, colorReset)
		s.internalLogger.Printf(prefix+format, args...)
	} else {
		s.internalLogger.Printf("[DEBUG] %s: "+format, append([]interface{}{funcName}, args...)...)
	}
}

func (s *server) Logger() logger.Logger {
	if s.customLogger != nil {
		return s.customLogger
	}
	return s
}

func NewServer(opts ...ServerOption) *server {
	var logPrefix string
	if IsTerminal {
		logPrefix = fmt.Sprintf("%s[AMQP]%s ", colorBlue, colorReset)
	} else {
		logPrefix = "[AMQP] "
	}

	s := &server{
		vhosts:         make(map[string]*vHost),
		internalLogger: log.New(os.Stdout, logPrefix, log.LstdFlags|log.Lmicroseconds),
		connections:    make(map[*connection]struct{}),
		brokerConfig:   config.BrokerConfig{}.WithDefaults(),
		portConfig:     config.PortConfig{}.WithDefaults(),
		authenticator:  newAuthenticator(config.AuthModeNone, nil),
	}
	// Create default vhost
	s.AddVHost("/")

	for _, opt := range opts {
		opt(s)
	}

	if s.brokerConfig.InstanceName == "" {
		s.brokerConfig.InstanceName = productName
	}

	if s.customLogger == nil {
		s.customLogger = s
	}
	s.events = logger.NewEventLogger(s.Logger())

	s.admission = newConnectionAdmission(
		s.portConfig.MaxOpenConnections,
		s.portConfig.OpenConnectionsWarnPercent,
		s.events)

	if expr := s.portConfig.SendQueueDeleteOkRegardlessClientVerRegexp; expr != "" {
		compiled, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			s.Warn("Invalid send_queue_delete_ok_regardless regexp '%s': %v", expr, err)
		} else {
			s.queueDeleteOkRegexp = compiled
		}
	}

	if s.persistenceManager != nil {
		if err := s.persistenceManager.Initialize(); err != nil {
			s.Err("Failed to initialize persistence: %v", err)
			s.persistenceManager = nil
		} else {
			if err := s.recoverPersistedState(); err != nil {
				s.Err("Failed to recover persisted state: %v", err)
			}
			s.Info("Persistence enabled")
		}
	} else {
		s.Info("Running without persistence")
	}

	s.Info("AMQP server created with default direct exchange")
	return s
}

// defaultMaxFrameSize is the frame size the broker advertises in Tune.
// Some old clients send payloads equal to the max frame size, so the
// advertised value is the network buffer minus the frame overhead rather
// than the buffer size itself; the difference is load-bearing for wire
// compatibility.
func (s *server) defaultMaxFrameSize() uint32 {
	return s.brokerConfig.NetworkBufferSize - FrameOverhead
}

// queueDeleteOkRegardlessVersion matches client versions affected by the
// pre-0.32 queue.delete-ok bug.
func (s *server) queueDeleteOkRegardlessVersion(version string) bool {
	if s.queueDeleteOkRegexp == nil {
		return false
	}
	return s.queueDeleteOkRegexp.MatchString(version)
}

func (s *server) AddVHost(name string) error {
	return s.addVHostInternal(name, true)
}

func (s *server) addVHostInternal(name string, persist bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.vhosts[name]; exists {
		return fmt.Errorf("vhost '%s' already exists", name)
	}
	s.vhosts[name] = newVHost(name, s)

	if persist && s.persistenceManager != nil {
		if err := s.persistenceManager.SaveVHost(name); err != nil {
			s.Warn("Failed to persist vhost '%s': %v", name, err)
		}
	}
	return nil
}

func (s *server) GetVHost(name string) (*vHost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vhost, exists := s.vhosts[name]
	if !exists {
		return nil, fmt.Errorf("vhost '%s' not found", name)
	}
	return vhost, nil
}

// resolveVHost maps the name from Connection.Open onto a vhost: a leading
// '/' is stripped, and the empty remainder selects the default vhost.
func (s *server) resolveVHost(requested string) *vHost {
	name := strings.TrimPrefix(requested, "/")

	s.mu.RLock()
	defer s.mu.RUnlock()
	if name == "" {
		return s.vhosts["/"]
	}
	if vhost, ok := s.vhosts[name]; ok {
		return vhost
	}
	return s.vhosts["/"+name]
}

func (s *server) recoverPersistedState() error {
	s.Info("Starting state recovery from persistence")

	vhostRecords, err := s.persistenceManager.LoadAllVHosts()
	if err != nil {
		return fmt.Errorf("loading vhosts: %w", err)
	}

	if err := s.recoverVHostEntities("/"); err != nil {
		s.Warn("Failed to recover entities for default vhost: %v", err)
	}

	for _, vhostRec := range vhostRecords {
		if vhostRec.Name == "/" {
			continue
		}

		if err := s.addVHostInternal(vhostRec.Name, false); err != nil {
			s.Warn("Failed to recover vhost %s: %v", vhostRec.Name, err)
			continue
		}

		if err := s.recoverVHostEntities(vhostRec.Name); err != nil {
			s.Warn("Failed to recover entities for vhost %s: %v", vhostRec.Name, err)
		}
	}

	s.Info("State recovery completed")
	return nil
}

// Recover all entities within a vhost
func (s *server) recoverVHostEntities(vhostName string) error {
	vhost, err := s.GetVHost(vhostName)
	if err != nil {
		return err
	}

	exchangeRecords, err := s.persistenceManager.LoadAllExchanges(vhostName)
	if err != nil {
		s.Warn("Failed to load exchanges for vhost %s: %v", vhostName, err)
	} else {
		for _, exchRec := range exchangeRecords {
			if exchRec.Name == "" {
				continue
			}

			vhost.mu.Lock()
			vhost.exchanges[exchRec.Name] = &exchange{
				Name:       exchRec.Name,
				Type:       exchRec.Type,
				Durable:    exchRec.Durable,
				AutoDelete: exchRec.AutoDelete,
				Internal:   exchRec.Internal,
				Bindings:   make(map[string][]string),
			}
			vhost.mu.Unlock()

			s.Info("Recovered exchange %s in vhost %s", exchRec.Name, vhostName)
		}
	}

	queueRecords, err := s.persistenceManager.LoadAllQueues(vhostName)
	if err != nil {
		s.Warn("Failed to load queues for vhost %s: %v", vhostName, err)
	} else {
		for _, queueRec := range queueRecords {
			// Exclusive queues die with their connection; skip on recovery
			if queueRec.Exclusive {
				s.Info("Skipping exclusive queue %s on recovery", queueRec.Name)
				continue
			}

			vhost.mu.Lock()
			vhost.queues[queueRec.Name] = &queue{
				Name:       queueRec.Name,
				Durable:    queueRec.Durable,
				AutoDelete: queueRec.AutoDelete,
				Bindings:   make(map[string]bool),
			}
			vhost.mu.Unlock()

			s.Info("Recovered queue %s in vhost %s", queueRec.Name, vhostName)
		}
	}

	bindingRecords, err := s.persistenceManager.LoadAllBindings(vhostName)
	if err != nil {
		s.Warn("Failed to load bindings for vhost %s: %v", vhostName, err)
	} else {
		for _, bindRec := range bindingRecords {
			if err := vhost.bindQueue(bindRec.Queue, bindRec.Exchange, bindRec.RoutingKey); err != nil {
				s.Warn("Failed to recover binding %s:%s -> %s in vhost %s: %v",
					bindRec.Exchange, bindRec.RoutingKey, bindRec.Queue, vhostName, err)
				continue
			}
			s.Info("Recovered binding %s:%s -> %s in vhost %s",
				bindRec.Exchange, bindRec.RoutingKey, bindRec.Queue, vhostName)
		}
	}

	vhost.mu.RLock()
	queueNames := make([]string, 0, len(vhost.queues))
	for name := range vhost.queues {
		queueNames = append(queueNames, name)
	}
	vhost.mu.RUnlock()

	for _, queueName := range queueNames {
		messages, err := s.persistenceManager.LoadQueueMessages(vhostName, queueName)
		if err != nil {
			s.Warn("Failed to load messages for queue %s in vhost %s: %v", queueName, vhostName, err)
			continue
		}

		if len(messages) > 0 {
			vhost.mu.RLock()
			q, exists := vhost.queues[queueName]
			vhost.mu.RUnlock()

			if exists {
				q.mu.Lock()
				q.messages = append(q.messages, messages...)
				q.mu.Unlock()

				s.Info("Recovered %d messages for queue %s in vhost %s", len(messages), queueName, vhostName)
			}
		}
	}

	return nil
}

// Add new connection to the active server connections map
func (s *server) addConnection(c *connection) {
	s.connectionsMu.Lock()
	defer s.connectionsMu.Unlock()
	s.connections[c] = struct{}{}
	s.Debug("Connection %s added to active list. Total: %d", c.remoteAddr(), len(s.connections))
}

// Remove a connection from the active server connections map.
func (s *server) removeConnection(c *connection) {
	s.connectionsMu.Lock()
	defer s.connectionsMu.Unlock()
	delete(s.connections, c)
	s.Debug("Connection %s removed from active list. Total remaining: %d", c.remoteAddr(), len(s.connections))
}

func (s *server) Start(addr string) error {
	var err error
	s.Info("Starting AMQP server on %s", addr)
	s.listener, err = net.Listen("tcp", addr)
	if err != nil {
		s.Err("Error starting server: %v", err)
		return err
	}

	s.events.Message(logger.EventBrokerListening, "listening on %s (%s)", s.listener.Addr(), "tcp")
	s.ready.Store(true)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.Info("Server listener on %s closed. Stopping accept loop.", addr)
				return nil
			}

			s.Err("Error accepting connection: %v", err)
			continue
		}

		// Admission decision happens before any handshake work.
		if !s.admission.CanAccept(conn.RemoteAddr().String()) {
			conn.Close()
			continue
		}
		s.admission.Increment()

		s.Info("New connection from %s", conn.RemoteAddr())
		go s.handleConnection(conn)
	}
}

func (s *server) handleConnection(netConn net.Conn) {
	c := newConnection(s, netConn, s.connectionSeq.Add(1))
	s.addConnection(c)

	defer func() {
		s.removeConnection(c)
		s.admission.Decrement()
	}()

	c.serve()
}

func (s *server) Shutdown(ctx context.Context) error {
	s.Info("Shutting down AMQP server...")

	drained := s.admission.Close()

	if s.listener != nil {
		s.events.Message(logger.EventBrokerShuttingDown, "closing listener on %s (%s)", s.listener.Addr(), "tcp")
		if err := s.listener.Close(); err != nil {
			s.Warn("Error closing network listener: %v", err)
		}
	}

	// Initiate graceful close on all active connections; the frames are
	// written by each connection's own I/O thread.
	s.connectionsMu.RLock()
	s.Info("Closing %d active connections...", len(s.connections))
	for conn := range s.connections {
		conn.sendConnectionCloseAsync(amqpError.ConnectionForced, "server shutdown")
	}
	s.connectionsMu.RUnlock()

	select {
	case <-drained:
		s.Info("All connections closed.")
	case <-ctx.Done():
		s.Warn("Shutdown context canceled. Some connections may not have closed gracefully: %v", ctx.Err())
		s.connectionsMu.RLock()
		for conn := range s.connections {
			conn.closeNetwork()
		}
		s.connectionsMu.RUnlock()
	}

	if s.persistenceManager != nil {
		if err := s.persistenceManager.Close(); err != nil {
			s.Err("Error closing persistence manager: %v", err)
			return err
		}
	}

	s.Info("Server shutdown complete.")
	return nil
}

func (s *server) IsReady() bool {
	return s.ready.Load()
}
