package fixed

var (
	NegOne  = FromInt(-1, 0)
	Zero    = FromInt(0, 0)
	One     = FromInt(1, 0)
	Hundred = FromInt(100, 0)
)
