package ws

import (
	"fmt"

	"github.com/yashin20/pp-backend/internal/auth"
	"github.com/yashin20/pp-backend/internal/token"
)

// Session 是一条流式会话的上下文。主体在 CONNECT 帧通过认证时绑定，
// 此后对会话整个生命周期不可变：之后的 token 吊销或过期不会
// 回溯终止已建立的会话（已知限制，见 DESIGN.md）。
type Session struct {
	Principal *auth.Principal
	connected bool
}

// Authenticated 会话是否绑定了主体。匿名会话返回 false。
func (s *Session) Authenticated() bool {
	return s.Principal != nil
}

// Stage 是入站帧处理的一个命名阶段：检查或改写 (frame, session)，
// 返回 nil 放行，返回错误拒绝该帧。
type Stage struct {
	Name  string
	Apply func(f *Frame, sess *Session) error
}

// Pipeline 按声明顺序执行固定的阶段列表，替代按帧类型动态分发的拦截器链。
type Pipeline struct {
	stages []Stage
}

func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Run 依序执行所有阶段，首个拒绝即终止并带上阶段名返回。
func (p *Pipeline) Run(f *Frame, sess *Session) error {
	for _, st := range p.stages {
		if err := st.Apply(f, sess); err != nil {
			return fmt.Errorf("%s: %w", st.Name, err)
		}
	}
	return nil
}

// handshakeStage 保证 CONNECT 是会话的第一帧且只出现一次。
func handshakeStage() Stage {
	return Stage{
		Name: "handshake",
		Apply: func(f *Frame, sess *Session) error {
			if f.Command == CmdConnect {
				if sess.connected {
					return fmt.Errorf("duplicate CONNECT")
				}
				sess.connected = true
				return nil
			}
			if !sess.connected {
				return fmt.Errorf("expected CONNECT, got %s", f.Command)
			}
			return nil
		},
	}
}

// connectAuthStage 只作用于 CONNECT 帧：缺少凭证则以匿名身份继续；
// 凭证存在但校验失败拒绝握手；校验通过则派生主体并绑定到会话。
func connectAuthStage(tokens *token.Service) Stage {
	return Stage{
		Name: "connect-auth",
		Apply: func(f *Frame, sess *Session) error {
			if f.Command != CmdConnect {
				return nil
			}
			raw := auth.ResolveBearer(f.Header(HeaderAuthorization))
			if raw == "" {
				return nil
			}
			if !tokens.Validate(raw) {
				return fmt.Errorf("invalid credentials")
			}
			claims, err := tokens.ParseClaims(raw)
			if err != nil {
				return fmt.Errorf("invalid credentials")
			}
			p := auth.FromClaims(claims)
			sess.Principal = &p
			return nil
		},
	}
}

// requireAuthStage 发布目的地要求已绑定主体，匿名会话的 SEND 被拒绝。
func requireAuthStage() Stage {
	return Stage{
		Name: "require-auth",
		Apply: func(f *Frame, sess *Session) error {
			if f.Command != CmdSend {
				return nil
			}
			if !sess.Authenticated() {
				return fmt.Errorf("authentication required")
			}
			return nil
		},
	}
}

// defaultPipeline 固定声明的阶段顺序。
func defaultPipeline(tokens *token.Service) *Pipeline {
	return NewPipeline(
		handshakeStage(),
		connectAuthStage(tokens),
		requireAuthStage(),
	)
}
