package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"fleetopt/internal/model"
	"fleetopt/internal/opt"
)

// validateStruct runs the validate tags and reports every failing field.
func (s *Server) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", opt.ErrInvalidInput, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fe.Namespace() + " fails " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("%w: %s", opt.ErrInvalidInput, strings.Join(msgs, "; "))
}

// validateOptimizeRequest covers what the tags cannot express.
func validateOptimizeRequest(req *model.OptimizeRequest) error {
	for _, name := range req.Operators {
		if _, err := opt.ParseOperator(name); err != nil {
			return err
		}
	}
	if req.Constraints.AllowSplit {
		return fmt.Errorf("%w: split deliveries are not supported", opt.ErrInvalidInput)
	}
	n := len(req.Deliveries) + 1
	for name, m := range map[string][][]float64{"distanceMatrix": req.DistanceMatrix, "timeMatrix": req.TimeMatrix} {
		if m != nil && len(m) != n {
			return fmt.Errorf("%w: %s has %d rows, want %d", opt.ErrInvalidInput, name, len(m), n)
		}
	}
	return nil
}

// checkOverlay rejects stored optimizer settings that would break every
// later request.
func checkOverlay(cfg map[string]any) error {
	if v, ok := cfg["strategy"]; ok {
		name, isStr := v.(string)
		if !isStr {
			return fmt.Errorf("%w: strategy must be a string", opt.ErrInvalidInput)
		}
		if _, err := opt.ParseStrategy(name); err != nil {
			return err
		}
	}
	if v, ok := cfg["operators"]; ok {
		list, isList := v.([]any)
		if !isList {
			return fmt.Errorf("%w: operators must be a list", opt.ErrInvalidInput)
		}
		for _, o := range list {
			name, _ := o.(string)
			if _, err := opt.ParseOperator(name); err != nil {
				return err
			}
		}
	}
	for _, k := range []string{"timeBudgetMs", "savingsMaxDeliveries", "speedKph"} {
		if v, ok := cfg[k]; ok {
			if n, isNum := v.(float64); !isNum || n < 0 {
				return fmt.Errorf("%w: %s must be a non-negative number", opt.ErrInvalidInput, k)
			}
		}
	}
	return nil
}
