package models

// OrderStatus is the fulfillment state of an order
type OrderStatus string

const (
	OrderStatusPending OrderStatus = "PENDING"
	OrderStatusPaid    OrderStatus = "PAID"
	OrderStatusFailed  OrderStatus = "FAILED"
)

// PaymentStatus is the normalized status reported by a gateway
type PaymentStatus string

const (
	PaymentStatusApproved  PaymentStatus = "approved"
	PaymentStatusRejected  PaymentStatus = "rejected"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	PaymentStatusExpired   PaymentStatus = "expired"
	PaymentStatusPending   PaymentStatus = "pending"
)

// Valid reports whether s is one of the normalized statuses
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusApproved, PaymentStatusRejected, PaymentStatusCancelled,
		PaymentStatusExpired, PaymentStatusPending:
		return true
	}
	return false
}

// NextOrderStatus applies a payment status to the current order status.
//
//	PENDING + approved                    -> PAID
//	PENDING + rejected|cancelled|expired  -> FAILED
//	PENDING + pending                     -> PENDING
//	PAID    + any                         -> PAID
//	FAILED  + approved                    -> PAID
//	FAILED  + anything else               -> FAILED
func NextOrderStatus(current OrderStatus, event PaymentStatus) OrderStatus {
	switch current {
	case OrderStatusPaid:
		return OrderStatusPaid
	case OrderStatusFailed:
		if event == PaymentStatusApproved {
			return OrderStatusPaid
		}
		return OrderStatusFailed
	}

	switch event {
	case PaymentStatusApproved:
		return OrderStatusPaid
	case PaymentStatusRejected, PaymentStatusCancelled, PaymentStatusExpired:
		return OrderStatusFailed
	default:
		return OrderStatusPending
	}
}

// DisplayStatus is what the success page shows for an order status.
// PENDING is never reported as a failure since the gateway signal may lag.
func DisplayStatus(s OrderStatus) string {
	switch s {
	case OrderStatusPaid:
		return "paid"
	case OrderStatusFailed:
		return "failed"
	default:
		return "processing"
	}
}
