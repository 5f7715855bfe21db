package domain

import "time"

// MissingItem is one unsatisfiable order line as seen by the validator.
// Field names follow the wire contract of the validation pipeline.
type MissingItem struct {
	ItemID             string `json:"item_id"`
	NombreItem         string `json:"nombre_item"`
	CantidadSolicitada int    `json:"cantidad_solicitada"`
	CantidadDisponible int    `json:"cantidad_disponible"`
	Razon              string `json:"razon"`
}

const ReportTypeAvailability = "inconsistencia_disponibilidad"

type InconsistencyReport struct {
	ReportID       string        `json:"reporte_id"`
	OrderID        string        `json:"pedido_id"`
	ItemsFaltantes []MissingItem `json:"items_faltantes"`
	FechaDeteccion time.Time     `json:"fecha_deteccion"`
	Tipo           string        `json:"tipo"`
	Estado         string        `json:"estado"`
}
