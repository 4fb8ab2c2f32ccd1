package ml

type IModelCost interface {
	Cost(predicted, target float64) float64
	CostPrime(predicted, target float64) float64
}

type MSECost struct{}

func (*MSECost) Cost(predicted, target float64) float64 {
	var x = predicted - target
	return x * x
}

func (*MSECost) CostPrime(predicted, target float64) float64 {
	return 2 * (predicted - target)
}

// AbsCost is used as the MAE metric.
type AbsCost struct{}

func (*AbsCost) Cost(predicted, target float64) float64 {
	var x = predicted - target
	if x < 0 {
		return -x
	}
	return x
}

func (*AbsCost) CostPrime(predicted, target float64) float64 {
	var x = predicted - target
	if x < 0 {
		return -1
	}
	return 1
}

// MeanCost averages cost over paired outputs.
func MeanCost(cost IModelCost, predicted, target []float64) float64 {
	if len(predicted) == 0 {
		return 0
	}
	var total float64
	for i := range predicted {
		total += cost.Cost(predicted[i], target[i])
	}
	return total / float64(len(predicted))
}
