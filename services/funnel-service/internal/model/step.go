package model

import "fmt"

// Step is a position in the fixed booking funnel.
type Step int

const (
	StepNone            Step = 0
	StepChooseService   Step = 1
	StepSelectTime      Step = 2
	StepEnterDetails    Step = 3
	StepCompletePayment Step = 4
)

const TotalSteps = 4

// Steps lists the funnel in order.
var Steps = []Step{StepChooseService, StepSelectTime, StepEnterDetails, StepCompletePayment}

func (s Step) Valid() bool {
	return s >= StepChooseService && s <= StepCompletePayment
}

func (s Step) Name() string {
	switch s {
	case StepChooseService:
		return "choose_service"
	case StepSelectTime:
		return "select_time"
	case StepEnterDetails:
		return "enter_details"
	case StepCompletePayment:
		return "complete_payment"
	default:
		return fmt.Sprintf("step_%d", int(s))
	}
}
