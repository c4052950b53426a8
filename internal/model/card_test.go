package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseWorkItem(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    *WorkItem
		wantErr bool
	}{
		{
			name: "标准四段格式",
			raw:  "4242424242424242|12|2027|123",
			want: &WorkItem{Number: "4242424242424242", ExpMonth: 12, ExpYear: 2027, CVC: "123"},
		},
		{
			name: "两位年份按20xx解析",
			raw:  "4242424242424242|3|27|999",
			want: &WorkItem{Number: "4242424242424242", ExpMonth: 3, ExpYear: 2027, CVC: "999"},
		},
		{
			name: "字段两侧空白被裁剪",
			raw:  " 4242424242424242 | 12 | 2027 | 1234 ",
			want: &WorkItem{Number: "4242424242424242", ExpMonth: 12, ExpYear: 2027, CVC: "1234"},
		},
		{name: "字段数不足", raw: "4242424242424242|12|2027", wantErr: true},
		{name: "字段数过多", raw: "4242424242424242|12|2027|123|extra", wantErr: true},
		{name: "卡号过短", raw: "42424242424|12|2027|123", wantErr: true},
		{name: "卡号过长", raw: "42424242424242424242|12|2027|123", wantErr: true},
		{name: "卡号含字母", raw: "4242x42424242424|12|2027|123", wantErr: true},
		{name: "月份为零", raw: "4242424242424242|0|2027|123", wantErr: true},
		{name: "月份超界", raw: "4242424242424242|13|2027|123", wantErr: true},
		{name: "年份非数字", raw: "4242424242424242|12|20xx|123", wantErr: true},
		{name: "年份三位数", raw: "4242424242424242|12|207|123", wantErr: true},
		{name: "CVC过短", raw: "4242424242424242|12|2027|12", wantErr: true},
		{name: "CVC过长", raw: "4242424242424242|12|2027|12345", wantErr: true},
		{name: "空行", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWorkItem(tt.raw, 7)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidCardFormat)
				return
			}
			require.NoError(t, err)
			require.Equal(t, 7, got.Index)
			require.Equal(t, tt.want.Number, got.Number)
			require.Equal(t, tt.want.ExpMonth, got.ExpMonth)
			require.Equal(t, tt.want.ExpYear, got.ExpYear)
			require.Equal(t, tt.want.CVC, got.CVC)
		})
	}
}

func TestIsBillableStatus(t *testing.T) {
	require.True(t, IsBillableStatus(StatusApproved))
	require.True(t, IsBillableStatus(StatusLive))
	require.True(t, IsBillableStatus(StatusThreeDS))
	require.False(t, IsBillableStatus(StatusDeclined))
	require.False(t, IsBillableStatus(StatusError))
	require.False(t, IsBillableStatus(StatusInvalidFormat))
	require.False(t, IsBillableStatus("UNKNOWN"))
}

func TestBatchStatsAdd(t *testing.T) {
	var stats BatchStats
	stats.Add(StatusApproved)
	stats.Add(StatusLive)
	stats.Add(StatusThreeDS) // 3DS 计入 Live
	stats.Add(StatusDeclined)
	stats.Add(StatusError)
	stats.Add(StatusInvalidFormat)

	require.Equal(t, 1, stats.Approved)
	require.Equal(t, 2, stats.Live)
	require.Equal(t, 1, stats.Declined)
	require.Equal(t, 2, stats.Errors)
	require.Equal(t, 6, stats.Sum())
}

func TestBatchStatusTransitions(t *testing.T) {
	require.True(t, CanTransitionTo(BatchStatusRunning, BatchStatusCompleted))
	require.True(t, CanTransitionTo(BatchStatusRunning, BatchStatusAborted))
	require.False(t, CanTransitionTo(BatchStatusCompleted, BatchStatusRunning))
	require.False(t, CanTransitionTo(BatchStatusAborted, BatchStatusCompleted))
	require.False(t, CanTransitionTo(BatchStatusUnavailable, BatchStatusCompleted))
}
