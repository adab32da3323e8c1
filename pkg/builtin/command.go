package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/svcfleet/internal/config"
)

const defaultStopTimeout = 10 * time.Second

// CommandConfig 外部命令的配置
type CommandConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	Dir     string            `json:"dir"`
	// StopTimeout 发送SIGTERM后等待退出的时间，超时后强制结束
	StopTimeout time.Duration `json:"stop_timeout"`
}

// Command 把外部命令作为服务运行。
// 命令正常退出表示工作完成，非零退出码视为失败。
type Command struct {
	cfg    CommandConfig
	logger config.Logger
}

// NewCommand 根据配置创建命令服务
func NewCommand(raw map[string]interface{}, logger config.Logger) (*Command, error) {
	var cfg CommandConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("服务配置缺少command")
	}
	cfg.StopTimeout = durationOr(cfg.StopTimeout, defaultStopTimeout)
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Command{cfg: cfg, logger: logger.With(zap.String("command", cfg.Command))}, nil
}

// Run 启动命令并等待退出，ctx取消时先发送SIGTERM
func (c *Command) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = c.cfg.StopTimeout

	stdout := &lineWriter{logger: c.logger, stream: "stdout"}
	stderr := &lineWriter{logger: c.logger, stream: "stderr"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("启动命令失败: %w", err)
	}
	c.logger.Info("命令已启动", zap.Int("pid", cmd.Process.Pid))

	err := cmd.Wait()
	stdout.Flush()
	stderr.Flush()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("命令退出: %w", err)
	}
	c.logger.Info("命令已完成")
	return nil
}

// lineWriter 按行把命令输出转发到日志
type lineWriter struct {
	mutex  sync.Mutex
	logger config.Logger
	stream string
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// 不完整的行留到下次写入
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.logger.Info(strings.TrimRight(line, "\r\n"), zap.String("stream", w.stream))
	}
	return len(p), nil
}

// Flush 输出缓冲中剩余的不完整行
func (w *lineWriter) Flush() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.buf.Len() > 0 {
		w.logger.Info(w.buf.String(), zap.String("stream", w.stream))
		w.buf.Reset()
	}
}
