package service

type Service struct {
	DisplayService DisplayServiceInterface
}

func New(d DisplayServiceInterface) *Service {
	return &Service{
		DisplayService: d,
	}
}
