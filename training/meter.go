package training

// AverageMeter keeps a running weighted mean of one metric over an epoch pass.
// A fresh meter is created for every pass.
type AverageMeter struct {
	name  string
	val   float64
	sum   float64
	count int
}

// NewAverageMeter creates an empty meter
func NewAverageMeter(name string) *AverageMeter {
	return &AverageMeter{name: name}
}

// Update records value with the given weight, usually the batch size.
// Non-positive weights are ignored.
func (m *AverageMeter) Update(value float64, weight int) {
	if weight <= 0 {
		return
	}
	m.val = value
	m.sum += value * float64(weight)
	m.count += weight
}

// Average returns sum/count, or ErrDivideByZero before the first update
func (m *AverageMeter) Average() (float64, error) {
	if m.count == 0 {
		return 0, ErrDivideByZero
	}
	return m.sum / float64(m.count), nil
}

// Val is the most recent value passed to Update
func (m *AverageMeter) Val() float64 { return m.val }

func (m *AverageMeter) Sum() float64 { return m.sum }

func (m *AverageMeter) Count() int { return m.count }

func (m *AverageMeter) Name() string { return m.name }

// averageOrZero is used for reporting, where an empty pass prints as 0.
func averageOrZero(m *AverageMeter) float64 {
	avg, err := m.Average()
	if err != nil {
		return 0
	}
	return avg
}
