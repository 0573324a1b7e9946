package engine

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/migadu/warden/config"
)

// attributeRule is a compiled [[engine.attribute_rule]].
type attributeRule struct {
	name    string
	message string
	prg     cel.Program
}

// attributesRule evaluates CEL expressions over the request attributes.
// GeoIP and device data arrive here as plain attrs.
type attributesRule struct {
	rules []attributeRule
}

func (r *attributesRule) Name() string { return "attributes" }

func newAttributeEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("login", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("protocol", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("ja3", cel.StringType),
		cel.Variable("tls", cel.BoolType),
		cel.Variable("policy_reject", cel.BoolType),
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("attrs_mv", cel.MapType(cel.StringType, cel.ListType(cel.StringType))),
	)
}

func compileAttributeRules(cfgs []config.AttributeRuleConfig) (*attributesRule, error) {
	env, err := newAttributeEnv()
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	out := &attributesRule{}
	for _, c := range cfgs {
		ast, iss := env.Compile(c.Expr)
		if iss.Err() != nil {
			return nil, fmt.Errorf("attribute rule %q: %w", c.Name, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("attribute rule %q: expression must be boolean, got %s", c.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("attribute rule %q: %w", c.Name, err)
		}
		msg := c.Message
		if msg == "" {
			msg = "Login denied by policy"
		}
		out.rules = append(out.rules, attributeRule{name: c.Name, message: msg, prg: prg})
	}
	return out, nil
}

func activation(lt *LoginTuple) map[string]any {
	attrs := lt.Attrs
	if attrs == nil {
		attrs = map[string]string{}
	}
	mv := lt.AttrsMV
	if mv == nil {
		mv = map[string][]string{}
	}
	return map[string]any{
		"login":         lt.Login,
		"ip":            lt.Remote,
		"protocol":      lt.Protocol,
		"device_id":     lt.DeviceID,
		"ja3":           lt.ja3(),
		"tls":           lt.TLS,
		"policy_reject": lt.PolicyReject,
		"attrs":         attrs,
		"attrs_mv":      mv,
	}
}

// Evaluate denies on the first expression that yields true. An expression
// that fails to evaluate (a missing map key, say) does not fire.
func (r *attributesRule) Evaluate(ctx context.Context, lt *LoginTuple) (Decision, error) {
	vars := activation(lt)
	var firstErr error
	for _, rule := range r.rules {
		out, _, err := rule.prg.ContextEval(ctx, vars)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("attribute rule %q: %w", rule.name, err)
			}
			continue
		}
		if fired, ok := out.Value().(bool); ok && fired {
			return Decision{
				Verdict: Deny,
				Status:  "denied",
				Message: rule.message,
				LogMsg:  "attribute rule " + rule.name,
				Attrs:   map[string]string{"rule": rule.name},
			}, firstErr
		}
	}
	return Decision{Verdict: Continue}, firstErr
}
